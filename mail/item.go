// Package mail defines the unit of work that flows through the spool and the
// routing pipelines: an envelope (sender and recipients), a routing state, a
// free-form attribute map and the raw message payload.
//
// An Item is owned by exactly one component at a time (the spool while at
// rest, one coordinator worker and its pipeline instances while in flight).
// Items are never shared between goroutines; a split produces an independent
// copy through Clone.
package mail

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailspool/consts"
)

// Reserved states. Every other state names a configured pipeline.
const (
	// StateError marks an item for the error pipeline. The error pipeline is
	// configured under this same name.
	StateError = "error"

	// StateGhost marks an item whose routing is complete; it is discarded.
	StateGhost = "ghost"
)

// IsReservedState reports whether name is one of the reserved markers that
// cannot be used as an ordinary pipeline name.
func IsReservedState(name string) bool {
	return strings.EqualFold(name, StateGhost)
}

type Item struct {
	ID           string
	Sender       string // empty for the null reverse path
	Recipients   []string
	State        string
	Attributes   map[string]any
	ErrorMessage string
	LastUpdated  time.Time
	Payload      []byte
}

// NewItem creates an item with a fresh id.
func NewItem(sender string, recipients []string, state string, payload []byte) *Item {
	return &Item{
		ID:          uuid.New().String(),
		Sender:      NormalizeAddress(sender),
		Recipients:  NormalizeRecipients(recipients),
		State:       state,
		Attributes:  make(map[string]any),
		LastUpdated: time.Now(),
		Payload:     payload,
	}
}

// DerivedID returns a new id for an item split off from parent.
func DerivedID(parent string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return parent + "!" + suffix
}

// Clone returns a deep copy of the item under a new id. The clone has its own
// recipient slice, attribute map and payload buffer.
func (i *Item) Clone(id string) *Item {
	c := &Item{
		ID:           id,
		Sender:       i.Sender,
		Recipients:   append([]string(nil), i.Recipients...),
		State:        i.State,
		Attributes:   make(map[string]any, len(i.Attributes)),
		ErrorMessage: i.ErrorMessage,
		LastUpdated:  i.LastUpdated,
	}
	for k, v := range i.Attributes {
		c.Attributes[k] = v
	}
	if i.Payload != nil {
		c.Payload = append([]byte(nil), i.Payload...)
	}
	return c
}

// SetState changes the routing state and bumps LastUpdated.
func (i *Item) SetState(state string) {
	i.State = state
	i.LastUpdated = time.Now()
}

// Fail moves the item to the error state with a diagnostic message.
func (i *Item) Fail(message string) {
	i.ErrorMessage = message
	i.SetState(StateError)
}

// SetRecipients replaces the recipient list.
func (i *Item) SetRecipients(recipients []string) {
	i.Recipients = append([]string(nil), recipients...)
}

func (i *Item) Attribute(name string) (any, bool) {
	if i.Attributes == nil {
		return nil, false
	}
	v, ok := i.Attributes[name]
	return v, ok
}

func (i *Item) SetAttribute(name string, value any) {
	if i.Attributes == nil {
		i.Attributes = make(map[string]any)
	}
	i.Attributes[name] = value
}

func (i *Item) RemoveAttribute(name string) {
	delete(i.Attributes, name)
}

// AttributeString renders an attribute value as a string ("" when absent).
func (i *Item) AttributeString(name string) string {
	v, ok := i.Attribute(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Size returns the payload size in bytes.
func (i *Item) Size() int {
	return len(i.Payload)
}

// SenderOrNull returns the sender, or "<>" for the null reverse path.
func (i *Item) SenderOrNull() string {
	if i.Sender == "" {
		return NullSender
	}
	return i.Sender
}

// Validate checks the invariants that must hold whenever an item is persisted
// under a non-terminal state.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty id", consts.ErrInvalidItem)
	}
	if i.State == "" {
		return fmt.Errorf("%w: item %s has no state", consts.ErrInvalidItem, i.ID)
	}
	if i.State != StateGhost && len(i.Recipients) == 0 {
		return fmt.Errorf("%w: item %s in state %q", consts.ErrNoRecipients, i.ID, i.State)
	}
	return nil
}

func (i *Item) String() string {
	return fmt.Sprintf("%s[%s] from=%s rcpts=%d", i.ID, i.State, i.SenderOrNull(), len(i.Recipients))
}
