package pack

// Event names published to the sink.
const (
	EventProgress = "content-download-progress"
	EventComplete = "content-download-complete"
	EventError    = "content-download-error"
)

// EventSink receives download lifecycle events. Every event carries the
// Progress snapshot; EventError snapshots have ErrorMessage set.
// Implementations must be safe for concurrent use; the downloader
// publishes from its worker goroutines.
type EventSink interface {
	Emit(event string, payload any)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(string, any) {}
