package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/photopay/payment-engine/internal/metrics"
)

// DefaultSubjectPrefix namespaces every subject the engine publishes on.
// An event of type "purchase.confirmed" goes to "photopay.purchase.confirmed".
const DefaultSubjectPrefix = "photopay"

// NATSPublisher publishes events as JSON on NATS core subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials the server at url.
func ConnectNATS(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("photopay-payment-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("connected to NATS", "url", conn.ConnectedUrl())
	return NewNATSPublisher(conn, DefaultSubjectPrefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
		slog.Warn("nats publish failed", "type", e.Type, "purchase", e.PurchaseID, "err", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
}

// Drain flushes pending messages and closes the connection.
func (p *NATSPublisher) Drain() error {
	return p.conn.Drain()
}
