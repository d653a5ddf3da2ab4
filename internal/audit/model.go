// Package audit implements the tamper-evident audit ledger.
//
// Every significant mutation appends one Entry. Each entry's hash covers its
// own fields and the hash of the entry before it, so any retroactive edit is
// detected by re-walking the ledger. Entries are immutable once written and
// are removed only by retention expiry.
package audit

import (
	"errors"
	"strings"
	"time"
)

// GenesisHash is the prevHash of the first entry of a ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultRetention is how long entries are kept before purge.
const DefaultRetention = 90 * 24 * time.Hour

// Action is the closed set of audited mutation kinds.
type Action string

// Audited actions.
const (
	ActionCaseCreate     Action = "case_create"
	ActionCaseUpdate     Action = "case_update"
	ActionCaseDelete     Action = "case_delete"
	ActionClientCreate   Action = "client_create"
	ActionClientUpdate   Action = "client_update"
	ActionClientDelete   Action = "client_delete"
	ActionDocumentUpload Action = "document_upload"
	ActionDocumentUpdate Action = "document_update"
	ActionDocumentDelete Action = "document_delete"
	ActionInvoiceCreate  Action = "invoice_create"
	ActionInvoiceUpdate  Action = "invoice_update"
	ActionInvoiceDelete  Action = "invoice_delete"
	ActionInvoiceSend    Action = "invoice_send"
	ActionUserLogin      Action = "user_login"
	ActionUserLogout     Action = "user_logout"
	ActionPasswordChange Action = "password_change"
	ActionUnsuspend      Action = "principal_unsuspend"
	ActionLockoutClear   Action = "lockout_clear"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCaseCreate, ActionCaseUpdate, ActionCaseDelete,
		ActionClientCreate, ActionClientUpdate, ActionClientDelete,
		ActionDocumentUpload, ActionDocumentUpdate, ActionDocumentDelete,
		ActionInvoiceCreate, ActionInvoiceUpdate, ActionInvoiceDelete, ActionInvoiceSend,
		ActionUserLogin, ActionUserLogout, ActionPasswordChange,
		ActionUnsuspend, ActionLockoutClear:
		return true
	}
	return false
}

// ParseAction converts s into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if !a.Valid() {
		return "", ErrInvalidAction
	}
	return a, nil
}

var (
	// ErrInvalidAction is returned for an unknown action.
	ErrInvalidAction = errors.New("unknown audit action")
	// ErrInvalidResourceType is returned when the resource type is empty.
	ErrInvalidResourceType = errors.New("resource type cannot be empty")
	// ErrInvalidResourceID is returned when the resource ID is empty.
	ErrInvalidResourceID = errors.New("resource ID cannot be empty")
	// ErrChainAdvanced is returned by a conditional insert when another writer
	// already appended an entry with the same sequence number.
	ErrChainAdvanced = errors.New("audit chain advanced by another writer")
)

// Entry is one persisted ledger record.
type Entry struct {
	ID           string
	Seq          int64   // Monotonic position in the ledger; the ordering key
	PrincipalID  *string // nil for anonymous/system actions
	Action       Action
	ResourceType string
	ResourceID   string
	IP           string
	UserAgent    string
	Metadata     map[string]string
	PrevHash     string // Hash of the previous entry, GenesisHash for the first
	Hash         string // Empty for legacy entries written before chaining
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// clone returns a deep copy so callers cannot mutate stored entries.
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.PrincipalID != nil {
		p := *e.PrincipalID
		c.PrincipalID = &p
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Input is the data a mutation handler supplies for a new entry.
type Input struct {
	PrincipalID  string // empty = anonymous
	Action       Action
	ResourceType string
	ResourceID   string
	IP           string
	UserAgent    string
	Metadata     map[string]string
}

// Validate checks the required fields of an Input.
func (in Input) Validate() error {
	if !in.Action.Valid() {
		return ErrInvalidAction
	}
	if strings.TrimSpace(in.ResourceType) == "" {
		return ErrInvalidResourceType
	}
	if strings.TrimSpace(in.ResourceID) == "" {
		return ErrInvalidResourceID
	}
	return nil
}

// View is the administrative representation of an entry. Hash fields are
// deliberately omitted.
type View struct {
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	PrincipalID  *string           `json:"principal_id"`
	Action       Action            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	IP           string            `json:"ip,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// NewView projects an entry into its administrative view.
func NewView(e *Entry) View {
	return View{
		ID:           e.ID,
		Seq:          e.Seq,
		PrincipalID:  e.PrincipalID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
		ExpiresAt:    e.ExpiresAt,
	}
}

// Filter selects entries for listing. Zero fields match everything.
type Filter struct {
	PrincipalID string
	Action      Action
	From        time.Time // inclusive
	To          time.Time // inclusive
	Limit       int       // 0 = no limit
	Offset      int
}

// matches reports whether e satisfies the filter predicates (not paging).
func (f Filter) matches(e *Entry) bool {
	if f.PrincipalID != "" && (e.PrincipalID == nil || *e.PrincipalID != f.PrincipalID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
