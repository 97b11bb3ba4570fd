package model

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseTaskType(t *testing.T) {
	for _, tt := range AllTaskTypes() {
		got, ok := ParseTaskType(string(tt))
		if !ok || got != tt {
			t.Errorf("ParseTaskType(%q) = %q, %v", tt, got, ok)
		}
	}
	if _, ok := ParseTaskType("deploy"); ok {
		t.Error("expected unknown type to be rejected")
	}
}

func TestAllowedTaskTypesString(t *testing.T) {
	want := "['bundle', 'job', 'run_migration', 'scaffold_crud', 'scaffold_model', 'scaffold_route', 'schedule', 'spec']"
	if got := AllowedTaskTypesString(); got != want {
		t.Errorf("AllowedTaskTypesString() = %s, want %s", got, want)
	}
}

func TestNormalizeStorage(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", StorageMemory, true},
		{"memory", StorageMemory, true},
		{"DB", StoragePersistent, true},
		{"persistent", StoragePersistent, true},
		{"redis", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeStorage(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeStorage(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestJobTask_ScriptSource(t *testing.T) {
	tests := []struct {
		name       string
		job        JobTask
		wantBody   string
		wantInterp string
		wantOK     bool
	}{
		{"shell only", JobTask{Shell: "echo hi"}, "", "", false},
		{"script default interpreter", JobTask{Script: "print(1)"}, "print(1)", "python3", true},
		{"script custom interpreter", JobTask{Script: "puts 1", Interpreter: "ruby"}, "puts 1", "ruby", true},
		{"legacy python", JobTask{Python: "print(2)"}, "print(2)", "python3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, interp, ok := tt.job.ScriptSource()
			if body != tt.wantBody || interp != tt.wantInterp || ok != tt.wantOK {
				t.Errorf("ScriptSource() = %q, %q, %v", body, interp, ok)
			}
		})
	}
}

func TestEntryMeta_ToMapAndStrip(t *testing.T) {
	meta := EntryMeta{Attempts: 2, LastError: "boom"}
	doc := map[string]any{"type": "job", MetaKey: meta.ToMap()}

	m, ok := doc[MetaKey].(map[string]any)
	if !ok {
		t.Fatalf("meta not a map: %T", doc[MetaKey])
	}
	if m["attempts"] != 2 || m["last_error"] != "boom" {
		t.Errorf("unexpected meta map: %v", m)
	}
	if _, ok := m["not_before"]; ok {
		t.Error("empty not_before should be omitted")
	}

	stripped := StripMeta(doc)
	if _, ok := stripped[MetaKey]; ok {
		t.Error("StripMeta left the meta key in place")
	}
	if _, ok := doc[MetaKey]; !ok {
		t.Error("StripMeta mutated its input")
	}
}

func TestMetricsMarshalUnmarshal(t *testing.T) {
	hb := "2026-03-01T10:00:00Z"
	m := Metrics{
		SchemaVersion:  1,
		FileType:       "state_metrics",
		ProcessedTotal: 10,
		ErrorsTotal:    2,
		ByType:         map[string]TypeCounters{"job": {Processed: 7, Errors: 1}},
		Heartbeat:      &hb,
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Metrics
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ProcessedTotal != 10 || got.ByType["job"].Errors != 1 || got.Heartbeat == nil || *got.Heartbeat != hb {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestAlertState_Active(t *testing.T) {
	if (AlertState{}).Active() {
		t.Error("zero state should be inactive")
	}
	if !(AlertState{SignatureHash: "abc"}).Active() {
		t.Error("state with signature should be active")
	}
}
