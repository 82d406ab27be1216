package core

// EventSink receives task lifecycle events. Implementations must not block
// the caller; the scheduler invokes them inline.
type EventSink interface {
	OnSuccess(name string, durationMs int64)
	OnFailure(name string, errMsg string)
	OnScheduled(name string, expr string)
	OnInfo(title, message string)
	OnWarning(title, message string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnSuccess(string, int64) {}
func (NopSink) OnFailure(string, string) {}
func (NopSink) OnScheduled(string, string) {}
func (NopSink) OnInfo(string, string) {}
func (NopSink) OnWarning(string, string) {}
