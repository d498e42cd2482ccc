package db

import (
	"fmt"
	"time"
)

// transitionMap lists, for each target status, the statuses it may be entered from.
var transitionMap = map[Status][]Status{
	StatusSent:      {StatusPending, StatusRetried, StatusFailed},
	StatusFailed:    {StatusPending, StatusRetried, StatusFailed},
	StatusRetried:   {StatusFailed},
	StatusDelivered: {StatusSent},
}

func ValidTransition(from, to Status) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// ApplyStatus moves n to status and updates the fields that travel with it.
// Every FAILED transition counts one failed delivery attempt.
func ApplyStatus(n *Notification, status Status, errorDetails *string, now time.Time) error {
	if !ValidTransition(n.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, status)
	}

	switch status {
	case StatusSent:
		n.SentAt = &now
		n.FailedAt = nil
		n.ErrorDetails = nil
	case StatusFailed:
		n.FailedAt = &now
		n.ErrorDetails = errorDetails
		n.RetriesCount++
	}

	n.Status = status
	n.UpdatedAt = now
	return nil
}
