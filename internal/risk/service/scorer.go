package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/config"
	riskdomain "github.com/quartershq/quarters/internal/risk/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// minimum sample size before the off-hours share is meaningful
const unusualTimingMinEvents = 4

// sustained-rate secondary trigger for rapid_actions: bursts short of the
// configured window still count when the pace holds over five minutes
const (
	sustainedRateWindow    = 5 * time.Minute
	sustainedRateMinEvents = 20
)

var planChangeTypes = map[activitydomain.ActivityType]struct{}{
	activitydomain.ActivityPlanSelected: {},
	activitydomain.ActivityPlanChanged:  {},
	activitydomain.ActivityPlanUpgraded: {},
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Cfg         config.Config
	ActivitySvc activitydomain.Service
}

type Scorer struct {
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.RiskConfig
	activitySvc activitydomain.Service
}

func NewScorer(p Params) riskdomain.Service {
	return &Scorer{
		log:         p.Log.Named("risk.scorer"),
		clock:       p.Clock,
		cfg:         p.Cfg.Risk,
		activitySvc: p.ActivitySvc,
	}
}

func (s *Scorer) lookback() time.Duration {
	hours := s.cfg.LookbackHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

func (s *Scorer) Evaluate(ctx context.Context, req riskdomain.EvaluateRequest) (riskdomain.Assessment, error) {
	if req.UserID == 0 {
		return riskdomain.Assessment{}, riskdomain.ErrInvalidUser
	}

	records, err := s.activitySvc.Query(ctx, activitydomain.QueryRequest{
		UserID: req.UserID,
		Window: s.lookback(),
	})
	if err != nil {
		// Fail open: an unreachable ledger must not block the request.
		s.log.Warn("risk evaluation failed open",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return riskdomain.Assessment{}, nil
	}

	failureThreshold := req.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = s.cfg.FailureThreshold
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	score, indicators := s.scoreRecords(records, req.IPAddress, failureThreshold)
	return riskdomain.Assessment{
		Score:                score,
		Indicators:           indicators,
		Deny:                 score >= riskdomain.DenyThreshold,
		RequiresVerification: score >= riskdomain.VerificationThreshold && score < riskdomain.DenyThreshold,
	}, nil
}

func (s *Scorer) Profile(ctx context.Context, userID snowflake.ID) (riskdomain.Profile, error) {
	if userID == 0 {
		return riskdomain.Profile{}, riskdomain.ErrInvalidUser
	}

	records, err := s.activitySvc.Query(ctx, activitydomain.QueryRequest{
		UserID: userID,
		Window: s.lookback(),
	})
	if err != nil {
		return riskdomain.Profile{}, err
	}

	failureThreshold := s.cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	score, indicators := s.scoreRecords(records, "", failureThreshold)

	failed := 0
	ips := map[string]struct{}{}
	devices := map[string]struct{}{}
	for i := range records {
		record := &records[i]
		if record.Status == activitydomain.StatusFailed {
			failed++
		}
		if record.IPAddress != nil && *record.IPAddress != "" {
			ips[*record.IPAddress] = struct{}{}
		}
		if record.DeviceFingerprint != nil && *record.DeviceFingerprint != "" {
			devices[*record.DeviceFingerprint] = struct{}{}
		}
	}

	return riskdomain.Profile{
		RiskScore:         score,
		Indicators:        indicators,
		TotalActivities:   len(records),
		FailedActivities:  failed,
		UniqueIPCount:     len(ips),
		UniqueDeviceCount: len(devices),
	}, nil
}

// scoreRecords applies every heuristic over the window and sums triggered
// weights, capped at MaxScore.
func (s *Scorer) scoreRecords(records []activitydomain.ActivityRecord, requestIP string, failureThreshold int) (int, []riskdomain.Indicator) {
	now := s.clock.Now()

	planChanges := 0
	failures := 0
	recentActions := 0
	sustainedActions := 0
	offHours := 0
	ips := map[string]struct{}{}
	if requestIP != "" {
		ips[requestIP] = struct{}{}
	}

	rapidWindow := time.Duration(s.cfg.RapidActionWindowSec) * time.Second
	if rapidWindow <= 0 {
		rapidWindow = time.Minute
	}

	for i := range records {
		record := &records[i]
		if _, ok := planChangeTypes[record.ActivityType]; ok {
			planChanges++
		}
		if record.Status == activitydomain.StatusFailed {
			failures++
		}
		if record.IPAddress != nil && *record.IPAddress != "" {
			ips[*record.IPAddress] = struct{}{}
		}
		if now.Sub(record.OccurredAt) <= rapidWindow {
			recentActions++
		}
		if now.Sub(record.OccurredAt) <= sustainedRateWindow {
			sustainedActions++
		}
		hour := record.OccurredAt.Hour()
		if hour < 6 || hour >= 22 {
			offHours++
		}
	}

	score := 0
	var indicators []riskdomain.Indicator
	trigger := func(indicator riskdomain.Indicator) {
		score += riskdomain.IndicatorWeights[indicator]
		indicators = append(indicators, indicator)
	}

	if planChanges >= 3 {
		trigger(riskdomain.IndicatorRapidSubscriptionChanges)
	}
	if failures >= failureThreshold {
		trigger(riskdomain.IndicatorHighFailureRate)
	}
	if len(ips) >= 3 {
		trigger(riskdomain.IndicatorMultipleIPAddresses)
	}
	if recentActions > 10 || sustainedActions > sustainedRateMinEvents {
		trigger(riskdomain.IndicatorRapidActions)
	}
	sharePct := s.cfg.OffHoursSharePct
	if sharePct <= 0 {
		sharePct = 60
	}
	if len(records) >= unusualTimingMinEvents && offHours*100 > sharePct*len(records) {
		trigger(riskdomain.IndicatorUnusualTiming)
	}

	if score > riskdomain.MaxScore {
		score = riskdomain.MaxScore
	}
	return score, indicators
}
