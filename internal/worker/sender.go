package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
)

var (
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrDuplicateSender = errors.New("duplicate sender for channel")
	// ErrNoSender means a job arrived for a channel nothing is registered for.
	ErrNoSender = errors.New("no sender registered for channel")
)

// Message is the rendered content handed to a channel sender.
type Message struct {
	NotificationID uuid.UUID
	UserID         string
	Channel        db.Channel
	Recipient      string
	Subject        string
	Body           string
}

// MessageFromJob flattens a queued job into a sender message.
func MessageFromJob(job queue.Job) Message {
	m := Message{
		NotificationID: job.NotificationID,
		UserID:         job.UserID,
		Channel:        job.Channel,
		Recipient:      job.Recipient,
		Body:           job.Body,
	}
	if job.Subject != nil {
		m.Subject = *job.Subject
	}
	return m
}

// Sender delivers messages for exactly one channel. A nil error from Send
// means the provider accepted the message.
type Sender interface {
	Channel() db.Channel
	Send(ctx context.Context, msg Message) error
}

// Registry maps each channel to its sender.
type Registry struct {
	senders map[db.Channel]Sender
}

func NewRegistry(senders ...Sender) (*Registry, error) {
	r := &Registry{senders: make(map[db.Channel]Sender, len(senders))}
	for _, s := range senders {
		ch := s.Channel()
		if !ch.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
		}
		if _, ok := r.senders[ch]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSender, ch)
		}
		r.senders[ch] = s
	}
	return r, nil
}

func (r *Registry) Get(ch db.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}

// Channels returns the registered channels in sorted order.
func (r *Registry) Channels() []db.Channel {
	out := make([]db.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Require reports every channel in want that has no sender.
func (r *Registry) Require(want ...db.Channel) error {
	var errs []error
	for _, ch := range want {
		if _, ok := r.senders[ch]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoSender, ch))
		}
	}
	return errors.Join(errs...)
}
