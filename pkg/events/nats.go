package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"autocoder/pkg/logx"
	"autocoder/pkg/utils"
)

// NATSPublisher publishes events on "<prefix>.project.<projectID>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *logx.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*NATSPublisher, error) {
	logger := logx.NewLogger("events")
	conn, err := nats.Connect(url,
		nats.Name("autocoder"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(conn, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "autocoder"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logx.NewLogger("events")}
}

// Conn returns the underlying connection so other components can share it.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Subject returns the subject for a project's events.
func (p *NATSPublisher) Subject(projectID string) string {
	// Dots separate subject tokens.
	id := strings.ReplaceAll(utils.SanitizeIdentifier(projectID), ".", "-")
	return fmt.Sprintf("%s.project.%s", p.prefix, id)
}

// Emit implements Sink.
func (p *NATSPublisher) Emit(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.ProjectID), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.ID, err)
	}
	return nil
}

// Close drains the connection if the publisher dialed it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
