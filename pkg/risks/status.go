package risks

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a risk.
type Status string

const (
	StatusDraft      Status = "Draft"
	StatusActive     Status = "Active"
	StatusDeprecated Status = "Deprecated"
)

// DefaultObjectType is used when a status change does not name its object type.
const DefaultObjectType = "Risk"

var ErrInvalidStatusChange = errors.New("invalid status change")

// Statuses lists every known status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusDraft, StatusActive, StatusDeprecated}
}

// ParseStatus matches case-insensitively.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	for _, st := range Statuses() {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", errors.Errorf("unknown status %q", s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// StatusChange is the payload of the status_changed signal.
type StatusChange struct {
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	Old        Status    `json:"old_status"`
	New        Status    `json:"new_status"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Normalize canonicalizes status spelling and fills defaults.
func (c StatusChange) Normalize(now time.Time) StatusChange {
	c.ObjectType = strings.TrimSpace(c.ObjectType)
	if c.ObjectType == "" {
		c.ObjectType = DefaultObjectType
	}
	c.ObjectID = strings.TrimSpace(c.ObjectID)
	if st, err := ParseStatus(string(c.Old)); err == nil {
		c.Old = st
	}
	if st, err := ParseStatus(string(c.New)); err == nil {
		c.New = st
	}
	if c.ChangedAt.IsZero() {
		c.ChangedAt = now.UTC()
	}
	return c
}

func (c StatusChange) Validate() error {
	if strings.TrimSpace(c.ObjectID) == "" {
		return errors.Wrap(ErrInvalidStatusChange, "object id is empty")
	}
	if !c.Old.Valid() {
		return errors.Wrapf(ErrInvalidStatusChange, "unknown old status %q", c.Old)
	}
	if !c.New.Valid() {
		return errors.Wrapf(ErrInvalidStatusChange, "unknown new status %q", c.New)
	}
	if strings.EqualFold(string(c.Old), string(c.New)) {
		return errors.Wrapf(ErrInvalidStatusChange, "status unchanged (%s)", c.New)
	}
	return nil
}
