// Package comm routes typed Comm envelopes between the user and minions,
// validating source/destination arity and persisting an append-only audit
// trail independent of delivery outcome.
package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of communication carried by a Comm.
type Type string

const (
	TypeTask      Type = "TASK"
	TypeReport    Type = "REPORT"
	TypeQuestion  Type = "QUESTION"
	TypeAnswer    Type = "ANSWER"
	TypeBroadcast Type = "BROADCAST"
)

// Comm is a single routed message. Exactly one of the From* fields and
// exactly one of the To* fields may be set; Validate enforces this.
type Comm struct {
	ID          string    `json:"comm_id"`
	Type        Type      `json:"comm_type"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Priority    string    `json:"priority,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`

	FromUser     bool   `json:"from_user,omitempty"`
	FromMinionID string `json:"from_minion_id,omitempty"`

	ToUser      bool   `json:"to_user,omitempty"`
	ToMinionID  string `json:"to_minion_id,omitempty"`
	ToChannelID string `json:"to_channel_id,omitempty"`
}

// New fills in ID and Timestamp for a caller-constructed Comm.
func New(c Comm) Comm {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return c
}

// Validate enforces the exactly-one-source, exactly-one-destination
// invariant. A Comm that fails validation must never be persisted.
func (c Comm) Validate() error {
	sources := 0
	if c.FromUser {
		sources++
	}
	if c.FromMinionID != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("comm: exactly one source required, got %d", sources)
	}

	destinations := 0
	if c.ToUser {
		destinations++
	}
	if c.ToMinionID != "" {
		destinations++
	}
	if c.ToChannelID != "" {
		destinations++
	}
	if destinations != 1 {
		return fmt.Errorf("comm: exactly one destination required, got %d", destinations)
	}
	return nil
}

// SessionLookup is the slice of the session manager the router needs:
// looking up a destination minion and nudging it to ACTIVE if needed.
type SessionLookup interface {
	GetSessionInfo(id string) (SessionInfo, bool)
	GetSessionDirectory(id string) string
	StartSession(id string) (bool, error)
}

// SessionInfo is the subset of session.Session the router reads.
type SessionInfo struct {
	ID             string
	State          string
	LegionID       string
	CapabilityTags []string
}

// Sender delivers content to an already-routable minion session. Backed
// by the session coordinator's send path.
type Sender interface {
	SendMessage(ctx context.Context, sessionID, content string) (bool, error)
}

// ChannelResolver maps a channel id (typically a legion id) to its member
// minion session ids for BROADCAST-style fan-out.
type ChannelResolver interface {
	Members(channelID string) []string
}
