package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"shuttle-tracker/internal/models"
)

// ConnectionMetrics tracks the NATS connection state
type ConnectionMetrics interface {
	NATSSetConnected(connected bool)
}

// NATSPublisher publishes arrivals as JSON on <prefix>.<route_id>.<van_guid>
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	metrics ConnectionMetrics
	logger  *slog.Logger
}

// NewNATSPublisher connects to url and reconnects forever
func NewNATSPublisher(url, prefix string, m ConnectionMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats")
	setConnected := func(connected bool) {
		if m != nil {
			m.NATSSetConnected(connected)
		}
	}

	nc, err := nats.Connect(url,
		nats.Name("shuttle-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			setConnected(true)
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	setConnected(true)

	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m, logger: logger}, nil
}

// PublishArrival publishes the arrival as JSON
func (p *NATSPublisher) PublishArrival(_ context.Context, arrival models.StopArrival) error {
	b, err := json.Marshal(arrival)
	if err != nil {
		return err
	}
	subject := arrivalSubject(p.prefix, arrival)
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	p.logger.Debug("arrival published", "subject", subject, "session_id", arrival.SessionID)
	return nil
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

func arrivalSubject(prefix string, a models.StopArrival) string {
	return fmt.Sprintf("%s.%d.%s", strings.TrimSuffix(prefix, "."), a.RouteID, subjectToken(a.VanGUID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
