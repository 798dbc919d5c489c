// Package events publishes analysis and operations events to other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects.
const (
	SubjectAnalysisCompleted = "biaslab.analysis.completed"
	SubjectOpsReport         = "biaslab.ops.report"
)

// Publisher sends JSON events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	Close()
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// NATSPublisher publishes core NATS messages.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("biaslab"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (p *NATSPublisher) Ping(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats: %s", p.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "err", err)
		p.conn.Close()
	}
}

// AnalysisCompleted is the payload of SubjectAnalysisCompleted.
type AnalysisCompleted struct {
	ID         string    `json:"id"`
	URL        string    `json:"url,omitempty"`
	Source     string    `json:"source"`
	Title      string    `json:"title"`
	BiasIndex  int       `json:"bias_index"`
	Band       string    `json:"band"`
	Confidence float64   `json:"confidence"`
	Classifier string    `json:"classifier"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// OpsReport is the payload of SubjectOpsReport.
type OpsReport struct {
	Kind      string    `json:"kind"`
	Detail    any       `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}
