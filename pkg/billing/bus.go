package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"autocoder/pkg/utils"
)

// BusReporter publishes usage records as JSON on
// "<prefix>.usage.<projectID>" for the billing service to consume.
type BusReporter struct {
	conn   *nats.Conn
	prefix string
}

// NewBusReporter creates a reporter on an established connection.
func NewBusReporter(conn *nats.Conn, prefix string) *BusReporter {
	if prefix == "" {
		prefix = "autocoder"
	}
	return &BusReporter{conn: conn, prefix: prefix}
}

// Subject returns the subject records for projectID are published on.
func (b *BusReporter) Subject(projectID string) string {
	return fmt.Sprintf("%s.usage.%s", b.prefix, utils.SanitizeIdentifier(projectID))
}

// ReportUsage implements Reporter.
func (b *BusReporter) ReportUsage(ctx context.Context, rec UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}
	if err := b.conn.Publish(b.Subject(rec.ProjectID), data); err != nil {
		return fmt.Errorf("failed to publish usage record: %w", err)
	}
	return nil
}
