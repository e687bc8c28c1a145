package realtime

import (
	"context"

	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/notify"
)

// Sink delivers notifications to the owner's open connections.
type Sink struct {
	hub *Hub
}

// NewSink creates a notification sink backed by hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) Name() string { return "realtime" }

func (s *Sink) Send(_ context.Context, n *notify.Notification) error {
	s.hub.Publish(n.OwnerID, EventNotification, n)
	return nil
}

// LedgerObserver pushes every committed wallet entry to its owner, so an
// open wallet screen updates without polling.
func (h *Hub) LedgerObserver() ledger.EntryObserver {
	return func(e *ledger.Entry) {
		h.Publish(e.OwnerID, EventWalletEntry, e)
	}
}

var _ notify.Sink = (*Sink)(nil)
