package batch

// EventKind enumerates the progress notifications a batch run emits.
// Exactly one terminal item event (ItemCompleted or ItemFailed) fires per
// executed item, and exactly one terminal batch event (BatchCompleted,
// BatchFailed or BatchPaused) fires per run.
type EventKind string

const (
	EventItemStarted    EventKind = "item_started"
	EventItemCompleted  EventKind = "item_completed"
	EventItemFailed     EventKind = "item_failed"
	EventBatchCompleted EventKind = "batch_completed"
	EventBatchFailed    EventKind = "batch_failed"
	// EventBatchPaused is a benign early exit, not an error: the batch stays
	// resumable and no remaining item is marked failed.
	EventBatchPaused EventKind = "batch_paused"
)

// Event is one typed progress notification. Consumers receive these over a
// channel supplied per run; the channel must be drained for the run to make
// progress.
type Event struct {
	Kind    EventKind
	BatchID string
	Index   int
	TxHash  string
	GasUsed uint64
	Err     string
}
