package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state    EntryState
		terminal bool
	}{
		{StatePending, false},
		{StateProcessing, false},
		{StateDone, true},
		{StateError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}

func TestValidateEntryTransition(t *testing.T) {
	tests := []struct {
		from, to EntryState
		wantErr  bool
	}{
		{StatePending, StateProcessing, false},
		{StatePending, StateError, false},
		{StatePending, StateDone, true},
		{StateProcessing, StateDone, false},
		{StateProcessing, StateError, false},
		{StateProcessing, StatePending, false},
		{StateDone, StatePending, true},
		{StateError, StateProcessing, true},
		{EntryState("bogus"), StateDone, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateEntryTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntryTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}
