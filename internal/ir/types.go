package ir

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRoles defines allowed message roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// Attachment references a binary file stored under the owning thread's
// attachment directory. Path is relative to the data root.
type Attachment struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// Usage holds token counters reported by a provider.
type Usage struct {
	InputTokens     int64 `json:"input_tokens,omitempty"`
	OutputTokens    int64 `json:"output_tokens,omitempty"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

// Event is one immutable entry in a thread's log.
//
// An ID may appear many times in a log. The last occurrence in append order
// is authoritative for that ID's content, and an occurrence with Deleted set
// removes the ID from the reconstructed conversation permanently.
//
// ParentID is nil for a conversation root.
type Event struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role,omitempty"`
	Content     string       `json:"content,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Deleted     bool         `json:"deleted,omitempty"`
	ParentID    *string      `json:"parent_id"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ModelID     string       `json:"model_id,omitempty"`
	ProviderID  string       `json:"provider_id,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
}

// Parent returns the parent ID, or "" for a root event.
func (e Event) Parent() string {
	if e.ParentID == nil {
		return ""
	}
	return *e.ParentID
}

// IsRoot reports whether the event starts a conversation.
func (e Event) IsRoot() bool {
	return e.ParentID == nil
}

// Ref converts a parent ID to the pointer form used by Event.ParentID.
// The empty string maps to nil (root).
func Ref(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// Tombstone returns a deletion marker for the given event.
func Tombstone(e Event, at time.Time) Event {
	return Event{
		ID:        e.ID,
		Role:      e.Role,
		CreatedAt: e.CreatedAt,
		UpdatedAt: at,
		Deleted:   true,
		ParentID:  e.ParentID,
	}
}

// BranchInfo describes a parent with more than one surviving reply.
//
// INVARIANT: 0 <= CurrentIndex < len(Branches).
type BranchInfo struct {
	ParentID     string   `json:"parent_id"`
	Branches     []string `json:"branches"`
	CurrentIndex int      `json:"current_index"`
}

// Current returns the selected child ID.
func (b BranchInfo) Current() string {
	return b.Branches[b.CurrentIndex]
}
