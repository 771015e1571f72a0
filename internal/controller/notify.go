package controller

import (
	"go.uber.org/zap"

	"github.com/mschirtzinger/docshelf/internal/reference"
)

// NotificationKind identifies what a Notification reports.
type NotificationKind int

const (
	// CollectionChanged means references were added or removed.
	CollectionChanged NotificationKind = iota
	// StatusChanged means a reference's displayable attributes changed.
	StatusChanged
	// StateChanged means the controller switched between Loading and
	// Normal.
	StateChanged
)

// String returns a human-readable representation of the kind.
func (k NotificationKind) String() string {
	switch k {
	case CollectionChanged:
		return "collection_changed"
	case StatusChanged:
		return "status_changed"
	case StateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Notification is delivered to subscribers. A CollectionChanged
// notification is published only after the collection reflects it.
type Notification struct {
	Kind NotificationKind

	// Inserted and Removed list the references a CollectionChanged
	// notification is about. Both are empty after a reload.
	Inserted []*reference.Reference
	Removed  []*reference.Reference

	// Reference is set for StatusChanged.
	Reference *reference.Reference

	// State is set for StateChanged.
	State State
}

const subscriberBuffer = 256

// Subscribe returns a channel of notifications and a function that ends
// the subscription. Slow subscribers miss notifications rather than stall
// the controller.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.closed() {
		close(ch)
	} else {
		c.subs[id] = ch
	}
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Controller) publish(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Warn("dropping notification for slow subscriber", zap.Stringer("kind", n.Kind))
		}
	}
}
