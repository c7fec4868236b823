package audit

import "time"

// Record mirrors one task state transition. Records are append-only: the
// full history of a task is the ordered sequence of its records, and no
// record is ever mutated or deleted (outside explicit retention pruning).
type Record struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Skill     string    `json:"skill,omitempty"`
	Action    string    `json:"action,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	TaskID string
	Skill  string
	State  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Snapshot is a derived, non-authoritative aggregate over records in a time
// window. It is computed on demand and never persisted.
type Snapshot struct {
	Window      time.Duration  `json:"window"`
	Tasks       int            `json:"tasks"`
	ByState     map[string]int `json:"by_state"`
	BySkill     map[string]int `json:"by_skill"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Blocked     int            `json:"blocked"`
	SuccessRate float64        `json:"success_rate"`
}
