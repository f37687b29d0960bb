package back

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Notifications are latency-sensitive, user-facing events: retry fast
	// at a fixed interval instead of backing off.
	notificationRetryInterval = 5 * time.Second
	notificationMaxAttempts   = 12
)

// Notifier delivers one notification to its recipient. The Discord adapter
// implements it in production; a nil Notifier makes the engine log-only.
type Notifier interface {
	Send(n *Notification) error
}

type attemptKey struct {
	matchID   uuid.UUID
	recipient uuid.UUID
}

type attempt struct {
	notification *Notification
	attempts     int
	lastAttempt  time.Time
	lastError    string
}

// dispatcher provides at-least-once notification delivery. Retry state is
// memory-only on purpose: after a crash re-delivery is idempotent from the
// recipient's point of view, a lost retry record at worst means one missed
// duplicate.
type dispatcher struct {
	notifier Notifier
	interval time.Duration
	maxTries int

	mu      sync.Mutex
	pending map[attemptKey]*attempt
}

func newDispatcher(notifier Notifier) *dispatcher {
	return &dispatcher{
		notifier: notifier,
		interval: notificationRetryInterval,
		maxTries: notificationMaxAttempts,
		pending:  map[attemptKey]*attempt{},
	}
}

// dispatch attempts immediate synchronous delivery and registers a retry
// record on failure.
func (d *dispatcher) dispatch(n *Notification) {
	if d.notifier == nil {
		log.Printf("info: no notifier, dropping notification: %s", n)
		return
	}

	err := d.notifier.Send(n)
	if err == nil {
		return
	}

	log.Printf("warning: notification delivery failed, will retry: %s", err)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[attemptKey{n.MatchID, n.Recipient}] = &attempt{
		notification: n,
		attempts:     1,
		lastAttempt:  time.Now(),
		lastError:    err.Error(),
	}
}

// retryDue retries every pending record whose fixed interval has elapsed,
// abandoning records past the bounded attempt count.
func (d *dispatcher) retryDue(now time.Time) {
	d.mu.Lock()
	due := make([]*attempt, 0, len(d.pending))
	for _, a := range d.pending {
		if now.Sub(a.lastAttempt) >= d.interval {
			due = append(due, a)
		}
	}
	d.mu.Unlock()

	for _, a := range due {
		err := d.notifier.Send(a.notification)

		d.mu.Lock()
		key := attemptKey{a.notification.MatchID, a.notification.Recipient}
		current, ok := d.pending[key]
		if !ok || current != a {
			// Cancelled or marked delivered while we were sending.
			d.mu.Unlock()
			continue
		}

		if err == nil {
			delete(d.pending, key)
			d.mu.Unlock()
			continue
		}

		a.attempts++
		a.lastAttempt = now
		a.lastError = err.Error()
		if a.attempts >= d.maxTries {
			delete(d.pending, key)
			log.Printf(
				"error: giving up on notification after %d attempts: %s (last error: %s)",
				a.attempts, a.notification, a.lastError,
			)
		}
		d.mu.Unlock()
	}
}

// cancelMatch drops every pending retry for a match, e.g. after an abort.
func (d *dispatcher) cancelMatch(matchID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.pending {
		if key.matchID == matchID {
			delete(d.pending, key)
		}
	}
}

// markDelivered is the manual override for out-of-band confirmation: the
// recipient acted on the event, so they obviously saw it.
func (d *dispatcher) markDelivered(matchID, recipient uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, attemptKey{matchID, recipient})
}

func (d *dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// MarkNotificationDelivered is the public face of the manual override.
func (b *Back) MarkNotificationDelivered(matchID, recipient uuid.UUID) {
	b.dispatcher.markDelivered(matchID, recipient)
}
