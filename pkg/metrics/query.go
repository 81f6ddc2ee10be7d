package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProjectMetrics is the aggregated usage of one project.
type ProjectMetrics struct {
	ProjectID        string  `json:"project_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
	CPUSeconds       float64 `json:"cpu_seconds"`
	HealIterations   int64   `json:"heal_iterations"`
}

// QueryService queries recorded metrics back from Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service for prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetProjectMetrics aggregates token, cost, CPU and iteration counters for a
// project across every series that carries its project_id label.
func (q *QueryService) GetProjectMetrics(ctx context.Context, projectID string) (*ProjectMetrics, error) {
	metrics := &ProjectMetrics{ProjectID: projectID}

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_llm_tokens_total{project_id=%q, type="prompt"})`, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_llm_tokens_total{project_id=%q, type="completion"})`, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	if metrics.TotalCost, err = q.scalar(ctx, fmt.Sprintf(`sum(autocoder_llm_costs_total{project_id=%q})`, projectID)); err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}

	if metrics.CPUSeconds, err = q.scalar(ctx, fmt.Sprintf(`sum(autocoder_container_cpu_seconds_total{project_id=%q})`, projectID)); err != nil {
		return nil, fmt.Errorf("failed to query cpu seconds: %w", err)
	}

	iterations, err := q.scalar(ctx, fmt.Sprintf(`sum(autocoder_heal_iterations_total{project_id=%q})`, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query heal iterations: %w", err)
	}
	metrics.HealIterations = int64(iterations)

	return metrics, nil
}

// scalar runs an instant query and returns the first sample, or 0 when the
// result is empty.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
