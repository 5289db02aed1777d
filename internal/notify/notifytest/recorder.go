// Package notifytest provides a recording notify.Notifier for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/sells-group/salesops-cli/internal/notify"
)

// Message is one recorded notification.
type Message struct {
	Phone  string
	Text   string
	Urgent bool
}

// Recorder records every notification and reports it as sent.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

var _ notify.Notifier = (*Recorder)(nil)

func (r *Recorder) Send(_ context.Context, phone, text string, urgent bool) notify.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Phone: phone, Text: text, Urgent: urgent})
	return notify.Result{Phone: phone, Status: notify.StatusSent, Provider: "recorder"}
}

func (r *Recorder) SendToManagers(ctx context.Context, text string, urgent bool) notify.FanoutResult {
	res := r.Send(ctx, "manager", text, urgent)
	return notify.FanoutResult{Status: res.Status, Results: []notify.Result{res}}
}

// Count returns the number of recorded messages with the given urgency.
func (r *Recorder) Count(urgent bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.Messages {
		if m.Urgent == urgent {
			n++
		}
	}
	return n
}
