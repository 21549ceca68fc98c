package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/observability/metrics"
	"github.com/quartershq/quarters/internal/requestctx"
	"github.com/quartershq/quarters/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultQueryLimit = 1000

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  activitydomain.Repository

	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    activitydomain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) activitydomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("activity.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// Append writes one ledger entry. Write failures are logged and swallowed:
// the ledger must never fail the caller's primary operation.
func (s *Service) Append(ctx context.Context, req activitydomain.AppendRequest) {
	if req.UserID == 0 {
		s.log.Warn("dropping activity record without user", zap.String("activity_type", string(req.ActivityType)))
		return
	}
	if !req.ActivityType.Known() {
		s.log.Warn("dropping activity record with unknown type", zap.String("activity_type", string(req.ActivityType)))
		return
	}

	status := req.Status
	if status == "" {
		status = activitydomain.StatusSuccess
	}

	score := req.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	now := s.clock.Now()
	record := &activitydomain.ActivityRecord{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		ActivityType: req.ActivityType,
		RiskScore:    score,
		RiskLevel:    activitydomain.RiskLevelForScore(score),
		Status:       status,
		OccurredAt:   now,
		CreatedAt:    now,
	}

	if len(req.Details) > 0 {
		record.Details = datatypes.JSONMap(req.Details)
	}
	if operationID := strings.TrimSpace(req.OperationID); operationID != "" {
		record.OperationID = &operationID
	}

	ip := strings.TrimSpace(req.IPAddress)
	if ip == "" {
		ip = requestctx.IPAddressFromContext(ctx)
	}
	if ip != "" {
		record.IPAddress = &ip
	}

	userAgent := strings.TrimSpace(req.UserAgent)
	if userAgent == "" {
		userAgent = requestctx.UserAgentFromContext(ctx)
	}
	if userAgent != "" {
		record.UserAgent = &userAgent
	}

	fingerprint := strings.TrimSpace(req.DeviceFingerprint)
	if fingerprint == "" {
		fingerprint = requestctx.DeviceFingerprintFromContext(ctx)
	}
	if fingerprint != "" {
		record.DeviceFingerprint = &fingerprint
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		s.metrics.RecordActivityAppend(ctx, string(req.ActivityType), "error")
		s.log.Warn("failed to write activity record",
			zap.String("activity_type", string(req.ActivityType)),
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordActivityAppend(ctx, string(req.ActivityType), "ok")
}

func (s *Service) Query(ctx context.Context, req activitydomain.QueryRequest) ([]activitydomain.ActivityRecord, error) {
	if req.UserID == 0 {
		return nil, activitydomain.ErrInvalidUser
	}
	window := req.Window
	if window <= 0 || window > activitydomain.WindowWeek {
		return nil, activitydomain.ErrInvalidWindow
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	since := s.clock.Now().Add(-window)
	items, err := s.repo.FindSince(ctx, s.db, req.UserID, since, limit)
	if err != nil {
		return nil, err
	}

	records := make([]activitydomain.ActivityRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}
	return records, nil
}

func (s *Service) List(ctx context.Context, req activitydomain.ListActivityRequest) (activitydomain.ListActivityResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return activitydomain.ListActivityResponse{}, activitydomain.ErrInvalidTimeRange
	}

	var userID snowflake.ID
	if raw := strings.TrimSpace(req.UserID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil || parsed == 0 {
			return activitydomain.ListActivityResponse{}, activitydomain.ErrInvalidUser
		}
		userID = parsed
	}

	var cursor *activitydomain.ActivityCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return activitydomain.ListActivityResponse{}, activitydomain.ErrInvalidPageToken
		}
		occurredAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return activitydomain.ListActivityResponse{}, activitydomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return activitydomain.ListActivityResponse{}, activitydomain.ErrInvalidPageToken
		}
		cursor = &activitydomain.ActivityCursor{ID: id, OccurredAt: occurredAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, activitydomain.ListFilter{
		UserID:       userID,
		ActivityType: req.ActivityType,
		RiskLevel:    req.RiskLevel,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		Cursor:       cursor,
		Limit:        pageSize,
	})
	if err != nil {
		return activitydomain.ListActivityResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *activitydomain.ActivityRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.OccurredAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	records := make([]activitydomain.ActivityRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := activitydomain.ListActivityResponse{Activities: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
