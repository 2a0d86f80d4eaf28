package domain

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable role-tagged message in a thread's history.
type Turn struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Thread is the persisted unit of conversation: an ordered turn history plus
// an error flag recording whether the most recent turn failed to complete.
//
// Version is the store's commit counter for the thread. Every committed write
// to the thread increments it; writers pass the version they loaded so the
// store can reject stale commits instead of losing an update.
type Thread struct {
	ID      string
	Turns   []Turn
	Error   bool
	Version int64
}
