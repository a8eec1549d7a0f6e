package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics aggregates one session's activity from Prometheus.
type SessionMetrics struct {
	SessionID       string `json:"session_id"`
	Turns           int64  `json:"turns"`
	Operations      int64  `json:"operations"`
	CapabilityCalls int64  `json:"capability_calls"`
	Errors          int64  `json:"errors"`
}

// QueryService reads aggregated metrics back from a Prometheus server. The
// daemon itself only writes collectors; reporting endpoints use this to
// answer "what did this session cost us".
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetSessionMetrics aggregates turn, operation, and capability counters for
// one session.
func (q *QueryService) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	out := &SessionMetrics{SessionID: sessionID}

	queries := []struct {
		expr string
		dst  *int64
	}{
		{fmt.Sprintf(`sum(conductor_turns_total{session_id=%q})`, sessionID), &out.Turns},
		{fmt.Sprintf(`sum(conductor_operations_total{session_id=%q})`, sessionID), &out.Operations},
		{fmt.Sprintf(`sum(conductor_capability_calls_total{session_id=%q})`, sessionID), &out.CapabilityCalls},
		{fmt.Sprintf(`sum(conductor_capability_calls_total{session_id=%q, status="error"})`, sessionID), &out.Errors},
	}
	for _, query := range queries {
		val, err := q.scalarSum(ctx, query.expr)
		if err != nil {
			return nil, err
		}
		*query.dst = val
	}
	return out, nil
}

// scalarSum evaluates an instant sum() query and returns the single sample,
// or zero when the series does not exist yet.
func (q *QueryService) scalarSum(ctx context.Context, expr string) (int64, error) {
	result, warnings, err := q.queryAPI.Query(ctx, expr, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", expr, err)
	}
	if len(warnings) > 0 {
		return 0, fmt.Errorf("query %s returned warnings: %v", expr, warnings)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
