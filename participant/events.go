package participant

import "time"

// Outcome is the durable result of a prepared transaction.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Source names the path that resolved a prepared transaction.
type Source string

const (
	SourceSession  Source = "session"
	SourceRegistry Source = "registry"
	SourceRecovery Source = "recovery"
	SourceCleanup  Source = "cleanup"
)

// ResolutionEvent records that a prepared transaction reached an outcome on
// this participant.
type ResolutionEvent struct {
	XID      string    `json:"xid" msgpack:"xid"`
	Resource string    `json:"resource" msgpack:"resource"`
	Driver   string    `json:"driver" msgpack:"driver"`
	Outcome  Outcome   `json:"outcome" msgpack:"outcome"`
	Source   Source    `json:"source" msgpack:"source"`
	At       time.Time `json:"at" msgpack:"at"`
}

// Notifier receives resolution events. Notify must not block.
type Notifier interface {
	Notify(ev ResolutionEvent)
}
