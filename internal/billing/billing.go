package billing

import (
	"context"
	"time"
)

// UsageRecord is written once per gated streaming call, successful or not.
type UsageRecord struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	UserID        string         `json:"user_id,omitempty"`
	Endpoint      string         `json:"endpoint"`
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	EstimatedCost float64        `json:"estimated_cost"`
	LatencyMs     int64          `json:"latency_ms"`
	Success       bool           `json:"success"`
	ErrorType     string         `json:"error_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MetaEstimated marks records whose token counts were derived from text
// length rather than reported by the vendor.
const MetaEstimated = "estimated"

type Store interface {
	LogUsage(ctx context.Context, rec *UsageRecord) error
	GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)
	GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}
