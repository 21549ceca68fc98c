package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quartershq/quarters/pkg/db/pagination"
)

// AppendRequest describes one ledger write. IP address, user agent and device
// fingerprint fall back to request context values when left empty.
type AppendRequest struct {
	UserID            snowflake.ID
	ActivityType      ActivityType
	Details           map[string]any
	OperationID       string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	RiskScore         int
	Status            ActivityStatus
}

// QueryRequest asks for a subject's records inside a lookback window,
// newest first.
type QueryRequest struct {
	UserID snowflake.ID
	Window time.Duration
	Limit  int
}

type ListActivityRequest struct {
	pagination.Pagination
	UserID       string
	ActivityType string
	RiskLevel    string
	StartAt      *time.Time
	EndAt        *time.Time
}

type ListActivityResponse struct {
	pagination.PageInfo
	Activities []ActivityRecord `json:"activities"`
}

// Service is the activity ledger. Append is fire-and-forget: a failed write
// is logged and swallowed so it can never fail the caller's primary operation.
type Service interface {
	Append(ctx context.Context, req AppendRequest)
	Query(ctx context.Context, req QueryRequest) ([]ActivityRecord, error)
	List(ctx context.Context, req ListActivityRequest) (ListActivityResponse, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidActivityType = errors.New("invalid_activity_type")
	ErrInvalidWindow       = errors.New("invalid_window")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
)
