// Package session owns the authoritative per-minion state machine: the
// in-memory session map, its on-disk state.json mirror, per-session
// locking, and state-change notification.
package session

import "time"

// State is a session's place in the lifecycle state machine.
type State string

const (
	StateCreated     State = "CREATED"
	StateStarting    State = "STARTING"
	StateActive      State = "ACTIVE"
	StatePaused      State = "PAUSED"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateError       State = "ERROR"
)

// QueueConfig holds the per-session pacing overrides for the queue
// processor. Zero values mean "use the daemon default".
type QueueConfig struct {
	MinWaitSeconds int `json:"min_wait_seconds"`
	MinIdleSeconds int `json:"min_idle_seconds"`
}

// Session is the durable record for one minion. Every field but ID and
// CreatedAt is mutable, and every mutation goes through the Manager so it
// is serialized by the session's lock and persisted before any observer
// sees it.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	WorkingDir      string   `json:"working_dir"`
	PermissionMode  string   `json:"permission_mode"`
	SystemPrompt    string   `json:"system_prompt"`
	Tools           []string `json:"tools"`
	Model           string   `json:"model"`
	DisplayName     string   `json:"display_name"`
	Slug            string   `json:"slug"`
	LegionID        string   `json:"legion_id,omitempty"`
	CapabilityTags  []string `json:"capability_tags,omitempty"`
	ExpertiseScore  float64  `json:"expertise_score"`
	QueueConfig     QueueConfig `json:"queue_config"`
	QueuePaused     bool     `json:"queue_paused"`
	IsProcessing    bool     `json:"is_processing"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	UpstreamSession string   `json:"upstream_session_id,omitempty"`

	DockerImage       string   `json:"docker_image,omitempty"`
	DockerExtraMounts []string `json:"docker_extra_mounts,omitempty"`
	DockerWorkspace   string   `json:"docker_workspace,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a reader without
// holding the session lock.
func (s Session) Clone() Session {
	out := s
	if s.Tools != nil {
		out.Tools = append([]string(nil), s.Tools...)
	}
	if s.CapabilityTags != nil {
		out.CapabilityTags = append([]string(nil), s.CapabilityTags...)
	}
	if s.DockerExtraMounts != nil {
		out.DockerExtraMounts = append([]string(nil), s.DockerExtraMounts...)
	}
	return out
}

// transitions enumerates, per spec, every legal (from, to) pair outside of
// the universal "any -> ERROR" and "any non-TERMINATED -> TERMINATING"
// rules, which are handled as special cases in canTransition.
var transitions = map[State]map[State]bool{
	StateCreated:     {StateStarting: true},
	StatePaused:      {StateStarting: true},
	StateTerminated:  {StateStarting: true},
	StateStarting:    {StateActive: true, StateError: true},
	StateActive:      {StatePaused: true, StateTerminating: true},
	StateTerminating: {StateTerminated: true},
}

// canTransition reports whether from -> to is a legal move. ERROR is
// reachable from any state, and TERMINATING is reachable from any state
// except TERMINATED.
func canTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	if to == StateTerminating {
		return from != StateTerminated
	}
	if m, ok := transitions[from]; ok && m[to] {
		return true
	}
	return false
}
