package pipeline

// Phase is the sync phase of an account pipeline
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseHeaders Phase = "headers"
	PhaseContent Phase = "content"
	PhaseDone    Phase = "done"
)

// Progress is a point-in-time snapshot of a pipeline
type Progress struct {
	AccountID   string `json:"account_id"`
	RunID       string `json:"run_id"`
	Phase       Phase  `json:"phase"`
	Mailbox     string `json:"mailbox,omitempty"`
	Queued      int    `json:"queued"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Total       int    `json:"total"`
	Concurrency int    `json:"concurrency"`
	ActiveSlots int    `json:"active_slots"`
	Paused      bool   `json:"paused"`
	Destroyed   bool   `json:"destroyed"`
}

// Finished reports whether the pipeline has nothing left to do
func (p Progress) Finished() bool {
	return p.Destroyed || p.Phase == PhaseDone
}
