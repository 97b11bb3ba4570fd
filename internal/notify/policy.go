package notify

import "github.com/msageha/heimdall/internal/model"

type Policy struct {
	enabled bool
	on      model.NotifyOnConfig
}

func NewPolicy(cfg model.NotifyConfig) Policy {
	return Policy{enabled: cfg.Enabled, on: cfg.On}
}

// ShouldNotify decides whether an event is delivered. For job events a
// per-task override can force a success notification or silence a failure;
// otherwise the global switches apply.
func (p Policy) ShouldNotify(kind Kind, override *model.JobNotify, success bool) bool {
	if !p.enabled {
		return false
	}
	switch kind {
	case KindJob:
		if override != nil {
			if success && override.OnSuccess != nil && *override.OnSuccess {
				return true
			}
			if !success && override.OnFailure != nil && !*override.OnFailure {
				return false
			}
		}
		if success {
			return p.on.JobSuccess
		}
		return p.on.JobFailure
	case KindScheduleError:
		return p.on.ScheduleError
	case KindAlert:
		return p.on.Alerts
	case KindTest:
		return true
	}
	return false
}
