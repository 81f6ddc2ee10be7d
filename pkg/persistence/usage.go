package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"autocoder/pkg/billing"
)

// ReportUsage stores rec. It makes the store a billing.Reporter so usage
// survives restarts until the billing service has consumed it.
func (s *Store) ReportUsage(ctx context.Context, rec billing.UsageRecord) error {
	if rec.ProjectID == "" {
		return fmt.Errorf("usage record has no project id")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO usage_records (id, project_id, user_id, agent_id, role, container_seconds,
			cpu_seconds, prompt_tokens, completion_tokens, cost_usd, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.UserID, rec.AgentID, rec.Role, rec.ContainerSeconds,
		rec.CPUSeconds, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record for %s: %w", rec.ProjectID, err)
	}
	return nil
}

// UsageTotals sums the usage stored for projectID.
func (s *Store) UsageTotals(ctx context.Context, projectID string) (billing.Totals, error) {
	t := billing.Totals{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(container_seconds), 0), COALESCE(SUM(cpu_seconds), 0),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE project_id = ?`, projectID,
	).Scan(&t.Records, &t.ContainerSeconds, &t.CPUSeconds, &t.PromptTokens, &t.CompletionTokens, &t.CostUSD)
	if err != nil {
		return t, fmt.Errorf("failed to sum usage for %s: %w", projectID, err)
	}
	return t, nil
}
