// Package notify delivers user notifications after a transaction commits.
//
// Delivery is fire-and-forget: the Dispatcher hands each notification to
// every configured Sink on its own goroutine, and a failing sink is logged
// and counted but never reported back to the caller. Financial state is
// already committed by the time Notify runs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/metrics"
)

// DefaultSendTimeout bounds a single sink delivery.
const DefaultSendTimeout = 5 * time.Second

// Notification is a message for one user.
type Notification struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEscrowID string    `json:"relatedEscrowId,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Dispatcher fans notifications out to sinks.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger, timeout: DefaultSendTimeout}
}

// WithTimeout overrides the per-sink delivery timeout.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.timeout = t
	}
	return d
}

// AddSink registers another sink. It must be called before the first Notify.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Notify queues n for every sink and returns immediately. The caller's
// cancellation does not abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if n.OwnerID == "" {
		return
	}
	if n.ID == "" {
		n.ID = idgen.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink, n Notification) {
			defer d.wg.Done()
			d.deliver(ctx, sink, &n)
		}(sink, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, n *Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := safeSend(ctx, sink, n)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Error("notification delivery failed",
			"sink", sink.Name(), "owner_id", n.OwnerID, "type", n.Type, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

func safeSend(ctx context.Context, sink Sink, n *Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Send(ctx, n)
}

// Wait blocks until all queued deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n *Notification) error {
	s.logger.Info("notification",
		"owner_id", n.OwnerID, "type", n.Type, "title", n.Title, "escrow_id", n.RelatedEscrowID)
	return nil
}

// StoreSink persists notifications so users can list them later.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Send(ctx context.Context, n *Notification) error {
	return s.store.Insert(ctx, n)
}
