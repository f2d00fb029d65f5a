// Package notifications carries user-facing notices emitted when SSO
// configuration changes complete.
package notifications

import (
	"context"
	"sync"

	"github.com/rcourtman/pulse-sso/internal/logging"
)

// Type is the notice severity.
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
)

// Notification is a short message shown to the user.
type Notification struct {
	Text string `json:"text"`
	Type Type   `json:"type"`
}

// Success builds a success notice.
func Success(text string) Notification {
	return Notification{Text: text, Type: TypeSuccess}
}

// Error builds an error notice.
func Error(text string) Notification {
	return Notification{Text: text, Type: TypeError}
}

// Notifier delivers notices for an organization.
type Notifier interface {
	Notify(ctx context.Context, orgID string, n Notification)
}

// LogNotifier writes notices to the base logger under the
// "notifications" component.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, orgID string, n Notification) {
	logger := logging.New("notifications")
	event := logger.Info()
	if n.Type == TypeError {
		event = logger.Warn()
	}
	event.
		Str("org_id", orgID).
		Str("type", string(n.Type)).
		Msg(n.Text)
}

// Recorder keeps every notice in memory, per organization.
type Recorder struct {
	mu     sync.Mutex
	byOrg  map[string][]Notification
	notify Notifier
}

// NewRecorder returns a Recorder that also forwards to next when non-nil.
func NewRecorder(next Notifier) *Recorder {
	return &Recorder{byOrg: make(map[string][]Notification), notify: next}
}

func (r *Recorder) Notify(ctx context.Context, orgID string, n Notification) {
	r.mu.Lock()
	r.byOrg[orgID] = append(r.byOrg[orgID], n)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify.Notify(ctx, orgID, n)
	}
}

// For returns a copy of the notices recorded for orgID, oldest first.
func (r *Recorder) For(orgID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.byOrg[orgID]...)
}

// Drain returns and forgets the notices recorded for orgID.
func (r *Recorder) Drain(orgID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.byOrg[orgID]
	delete(r.byOrg, orgID)
	return out
}
