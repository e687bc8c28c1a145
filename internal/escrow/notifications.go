package escrow

import (
	"context"

	"github.com/safehold/safehold/internal/notify"
)

// announce tells the parties about a committed event. It runs after
// commit; delivery failures never reach the caller.
func (s *Service) announce(ctx context.Context, e *Escrow, ev *Event) {
	if s.notifier == nil {
		return
	}
	for _, n := range notificationsFor(e, ev) {
		s.notifier.Notify(ctx, n)
	}
}

// notificationsFor builds one notification per party that should hear
// about ev. The actor is not notified of their own action.
func notificationsFor(e *Escrow, ev *Event) []notify.Notification {
	var title, forClient, forVendor string
	amount := e.Amount.String()

	switch ev.EventType {
	case EventVendorAccepted:
		title = "Vendor accepted"
		forClient = "The vendor accepted \"" + e.Title + "\"."
	case EventFunded:
		title = "Escrow funded"
		forVendor = "\"" + e.Title + "\" is funded with " + amount + ". You can start work."
	case EventCancelled:
		title = "Escrow cancelled"
		forVendor = "The client cancelled \"" + e.Title + "\"."
	case EventStarted:
		title = "Work started"
		forClient = "The vendor started work on \"" + e.Title + "\"."
	case EventSubmitted:
		title = "Work submitted"
		forClient = "The vendor submitted \"" + e.Title + "\" for your review."
	case EventReleased:
		title = "Payment released"
		forVendor = amount + " for \"" + e.Title + "\" was released to your wallet."
	case EventDisputed:
		title = "Escrow disputed"
		forClient = "\"" + e.Title + "\" is under dispute: " + e.DisputeReason
		forVendor = forClient
	case EventResolved, EventRefunded:
		title = "Dispute resolved"
		forClient = "The dispute on \"" + e.Title + "\" was resolved: " + string(e.Status) + "."
		forVendor = forClient
	default:
		return nil
	}

	var out []notify.Notification
	add := func(owner, message string) {
		if owner == "" || message == "" || owner == ev.ActorID {
			return
		}
		out = append(out, notify.Notification{
			OwnerID:         owner,
			Type:            "escrow_" + ev.EventType,
			Title:           title,
			Message:         message,
			RelatedEscrowID: e.ID,
		})
	}
	add(e.ClientID, forClient)
	add(e.VendorID, forVendor)
	return out
}
