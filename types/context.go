package types

import (
	"github.com/google/uuid"
)

// Context identifies the causal chain of an operation. Every state change,
// event and command call carries one. Contexts are values; copying is cheap.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	// OriginEvent is the type of the event that started this chain, if any.
	OriginEvent string `json:"origin_event,omitempty"`
}

// newID returns a time-ordered identifier.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewContext creates a root context.
func NewContext() *Context {
	return &Context{ID: newID()}
}

// NewUserContext creates a root context acting on behalf of userID.
func NewUserContext(userID string) *Context {
	return &Context{ID: newID(), UserID: userID}
}

// Child derives a context caused by c. The user carries over.
func (c *Context) Child() *Context {
	return &Context{
		ID:          newID(),
		ParentID:    c.ID,
		UserID:      c.UserID,
		OriginEvent: c.OriginEvent,
	}
}

// ChildWithUser derives a context caused by c acting as userID.
func (c *Context) ChildWithUser(userID string) *Context {
	child := c.Child()
	child.UserID = userID
	return child
}

// WithOrigin returns a copy of c recording the originating event type.
func (c *Context) WithOrigin(eventType string) *Context {
	cp := *c
	cp.OriginEvent = eventType
	return &cp
}

// IsRoot reports whether c has no parent.
func (c *Context) IsRoot() bool {
	return c.ParentID == ""
}
