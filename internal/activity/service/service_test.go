package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/activity/repository"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/requestctx"
	"github.com/quartershq/quarters/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&activitydomain.ActivityRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := &Service{
		db:    db,
		log:   zaptest.NewLogger(t),
		genID: node,
		clock: clk,
		repo:  repository.Provide(),
	}
	return svc, db, clk
}

func loadRecords(t *testing.T, db *gorm.DB, userID snowflake.ID) []activitydomain.ActivityRecord {
	t.Helper()
	var records []activitydomain.ActivityRecord
	require.NoError(t, db.Where("user_id = ?", userID).Order("occurred_at desc, id desc").Find(&records).Error)
	return records
}

func TestAppendPersistsRecord(t *testing.T) {
	svc, db, clk := newTestService(t)
	userID := snowflake.ID(1001)

	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:            userID,
		ActivityType:      activitydomain.ActivityBedAllocated,
		Details:           map[string]any{"amount": 3},
		OperationID:       "op-77",
		IPAddress:         "10.0.0.5",
		UserAgent:         "curl/8.0",
		DeviceFingerprint: "fp-1",
		RiskScore:         85,
	})

	records := loadRecords(t, db, userID)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, activitydomain.ActivityBedAllocated, rec.ActivityType)
	assert.Equal(t, activitydomain.StatusSuccess, rec.Status)
	assert.Equal(t, 85, rec.RiskScore)
	assert.Equal(t, activitydomain.RiskLevelCritical, rec.RiskLevel)
	assert.Equal(t, clk.Now(), rec.OccurredAt.UTC())
	require.NotNil(t, rec.OperationID)
	assert.Equal(t, "op-77", *rec.OperationID)
	require.NotNil(t, rec.IPAddress)
	assert.Equal(t, "10.0.0.5", *rec.IPAddress)
	require.NotNil(t, rec.UserAgent)
	assert.Equal(t, "curl/8.0", *rec.UserAgent)
	require.NotNil(t, rec.DeviceFingerprint)
	assert.Equal(t, "fp-1", *rec.DeviceFingerprint)
}

func TestAppendFallsBackToRequestContext(t *testing.T) {
	svc, db, _ := newTestService(t)
	userID := snowflake.ID(1002)

	ctx := requestctx.WithIPAddress(context.Background(), "192.168.1.7")
	ctx = requestctx.WithUserAgent(ctx, "quarters-app/2.3")
	ctx = requestctx.WithDeviceFingerprint(ctx, "fp-ctx")

	svc.Append(ctx, activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityAccessDenied,
		Status:       activitydomain.StatusFailed,
	})

	records := loadRecords(t, db, userID)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, activitydomain.StatusFailed, rec.Status)
	require.NotNil(t, rec.IPAddress)
	assert.Equal(t, "192.168.1.7", *rec.IPAddress)
	require.NotNil(t, rec.UserAgent)
	assert.Equal(t, "quarters-app/2.3", *rec.UserAgent)
	require.NotNil(t, rec.DeviceFingerprint)
	assert.Equal(t, "fp-ctx", *rec.DeviceFingerprint)
}

func TestAppendDropsInvalidRequests(t *testing.T) {
	svc, db, _ := newTestService(t)

	svc.Append(context.Background(), activitydomain.AppendRequest{
		ActivityType: activitydomain.ActivityBedAllocated,
	})
	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       snowflake.ID(1003),
		ActivityType: "made_up_event",
	})

	var count int64
	require.NoError(t, db.Model(&activitydomain.ActivityRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAppendClampsRiskScore(t *testing.T) {
	svc, db, _ := newTestService(t)
	userID := snowflake.ID(1004)

	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityBedAllocated,
		RiskScore:    -5,
	})
	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityFraudAttemptDetected,
		RiskScore:    150,
	})

	records := loadRecords(t, db, userID)
	require.Len(t, records, 2)
	for _, rec := range records {
		switch rec.ActivityType {
		case activitydomain.ActivityBedAllocated:
			assert.Equal(t, 0, rec.RiskScore)
			assert.Equal(t, activitydomain.RiskLevelLow, rec.RiskLevel)
		case activitydomain.ActivityFraudAttemptDetected:
			assert.Equal(t, 100, rec.RiskScore)
			assert.Equal(t, activitydomain.RiskLevelCritical, rec.RiskLevel)
		}
	}
}

func TestQueryWindow(t *testing.T) {
	svc, _, clk := newTestService(t)
	userID := snowflake.ID(1005)

	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityPlanSelected,
	})
	clk.Advance(2 * time.Hour)
	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityBedAllocated,
	})

	records, err := svc.Query(context.Background(), activitydomain.QueryRequest{
		UserID: userID,
		Window: activitydomain.WindowHour,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, activitydomain.ActivityBedAllocated, records[0].ActivityType)

	records, err = svc.Query(context.Background(), activitydomain.QueryRequest{
		UserID: userID,
		Window: activitydomain.WindowDay,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, activitydomain.ActivityBedAllocated, records[0].ActivityType)
	assert.Equal(t, activitydomain.ActivityPlanSelected, records[1].ActivityType)
}

func TestQueryRejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Query(context.Background(), activitydomain.QueryRequest{Window: activitydomain.WindowHour})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidUser)

	_, err = svc.Query(context.Background(), activitydomain.QueryRequest{UserID: snowflake.ID(1), Window: 0})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidWindow)

	_, err = svc.Query(context.Background(), activitydomain.QueryRequest{UserID: snowflake.ID(1), Window: activitydomain.WindowWeek + time.Hour})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidWindow)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _, clk := newTestService(t)
	userID := snowflake.ID(1006)

	for i := 0; i < 5; i++ {
		svc.Append(context.Background(), activitydomain.AppendRequest{
			UserID:       userID,
			ActivityType: activitydomain.ActivityBedAllocated,
			Details:      map[string]any{"seq": i},
		})
		clk.Advance(time.Minute)
	}

	first, err := svc.List(context.Background(), activitydomain.ListActivityRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		UserID:     userID.String(),
	})
	require.NoError(t, err)
	require.Len(t, first.Activities, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)
	assert.True(t, first.Activities[0].OccurredAt.After(first.Activities[1].OccurredAt))

	second, err := svc.List(context.Background(), activitydomain.ListActivityRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
		UserID:     userID.String(),
	})
	require.NoError(t, err)
	require.Len(t, second.Activities, 2)
	assert.True(t, second.HasMore)
	assert.True(t, first.Activities[1].OccurredAt.After(second.Activities[0].OccurredAt))

	last, err := svc.List(context.Background(), activitydomain.ListActivityRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: second.NextPageToken},
		UserID:     userID.String(),
	})
	require.NoError(t, err)
	require.Len(t, last.Activities, 1)
	assert.False(t, last.HasMore)
}

func TestListFilters(t *testing.T) {
	svc, _, clk := newTestService(t)
	userID := snowflake.ID(1007)

	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityBedAllocated,
	})
	clk.Advance(time.Minute)
	svc.Append(context.Background(), activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityFraudAttemptDetected,
		RiskScore:    90,
		Status:       activitydomain.StatusBlocked,
	})

	byType, err := svc.List(context.Background(), activitydomain.ListActivityRequest{
		UserID:       userID.String(),
		ActivityType: string(activitydomain.ActivityFraudAttemptDetected),
	})
	require.NoError(t, err)
	require.Len(t, byType.Activities, 1)
	assert.Equal(t, activitydomain.ActivityFraudAttemptDetected, byType.Activities[0].ActivityType)

	byRisk, err := svc.List(context.Background(), activitydomain.ListActivityRequest{
		UserID:    userID.String(),
		RiskLevel: string(activitydomain.RiskLevelCritical),
	})
	require.NoError(t, err)
	require.Len(t, byRisk.Activities, 1)
	assert.Equal(t, activitydomain.StatusBlocked, byRisk.Activities[0].Status)
}

func TestListRejectsInvalidInput(t *testing.T) {
	svc, _, clk := newTestService(t)

	_, err := svc.List(context.Background(), activitydomain.ListActivityRequest{UserID: "not-a-number"})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidUser)

	_, err = svc.List(context.Background(), activitydomain.ListActivityRequest{
		Pagination: pagination.Pagination{PageToken: "%%%garbage%%%"},
	})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidPageToken)

	start := clk.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(context.Background(), activitydomain.ListActivityRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, activitydomain.ErrInvalidTimeRange)
}
