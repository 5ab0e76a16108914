package domain

import "time"

// Phase is the runner state shown in status output.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhaseScanning   Phase = "scanning"
	PhaseForwarding Phase = "forwarding"
	PhaseCleaning   Phase = "cleaning"
	PhaseStopped    Phase = "stopped"
)

// JobStatus is the read model exposed to operators.
type JobStatus struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	Owner     int64     `json:"owner"`
	Source    ChatRef   `json:"source"`
	Target    ChatRef   `json:"target"`
	Active    bool      `json:"active"`
	Running   bool      `json:"running"`
	Phase     Phase     `json:"phase"`
	Cursor    int64     `json:"cursor"`
	End       EndBound  `json:"end"`
	Exhausted bool      `json:"exhausted"`
	Forwards  int64     `json:"forwards"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastCycleAt time.Time `json:"last_cycle_at,omitzero"`
	NextCycleAt time.Time `json:"next_cycle_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}
