package badges

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/telemetry"
)

var ErrGrantFailed = errors.New("badge grant failed")

// Backend is the remote badge service.
type Backend interface {
	FetchBadgeState(ctx context.Context) (*progress.BadgeState, error)
	GrantBadges(ctx context.Context, newBadges, alreadyGranted []progress.Badge) error
	FetchUserPreferences(ctx context.Context) (*progress.Preferences, error)
}

type Outcome string

const (
	OutcomeNothingNew Outcome = "nothing-new"
	OutcomeLocked     Outcome = "locked"
	OutcomeGranted    Outcome = "granted"
	OutcomeFailed     Outcome = "failed"
)

type IssueResult struct {
	Outcome     Outcome
	Granted     []progress.Badge
	State       *progress.BadgeState
	Preferences *progress.Preferences
}

type CoordinatorOptions struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// OnPreferences receives the preferences fetched after a successful grant.
	OnPreferences func(*progress.Preferences)
}

// Coordinator grants newly earned badges. While one Issue call holds the
// lock, concurrent calls return OutcomeLocked immediately; they are not
// queued, the next triggering event recomputes and retries.
type Coordinator struct {
	backend       Backend
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	onPreferences func(*progress.Preferences)

	inFlight atomic.Bool
}

func NewCoordinator(backend Backend, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend:       backend,
		logger:        logger,
		metrics:       telemetry.OrNoop(opts.Metrics),
		onPreferences: opts.OnPreferences,
	}
}

func (c *Coordinator) Issue(ctx context.Context, candidates []progress.Badge) (IssueResult, error) {
	if len(candidates) == 0 {
		return IssueResult{Outcome: OutcomeNothingNew}, nil
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		c.metrics.LockContention.Add(ctx, 1)
		c.logger.Debug("badge grant already in flight, skipping", zap.Int("candidates", len(candidates)))
		return IssueResult{Outcome: OutcomeLocked}, nil
	}
	defer c.inFlight.Store(false)

	// Held badges are read under the lock so a grant that just finished is
	// visible to the diff.
	state, err := c.backend.FetchBadgeState(ctx)
	if err != nil {
		return IssueResult{Outcome: OutcomeFailed}, fmt.Errorf("fetch badge state: %w", err)
	}
	if state == nil {
		state = &progress.BadgeState{}
	}
	fresh := Diff(candidates, state)
	if len(fresh) == 0 {
		return IssueResult{Outcome: OutcomeNothingNew, State: state}, nil
	}

	if err := c.backend.GrantBadges(ctx, fresh, state.Badges); err != nil {
		c.metrics.GrantFailures.Add(ctx, 1)
		c.logger.Warn("badge grant failed; will retry on next change",
			zap.Strings("badges", badgeIDs(fresh)),
			zap.Error(err),
		)
		return IssueResult{Outcome: OutcomeFailed, State: state}, fmt.Errorf("%w: %w", ErrGrantFailed, err)
	}
	c.metrics.BadgesGranted.Add(ctx, int64(len(fresh)), metric.WithAttributes(attribute.String("source", sourceOf(fresh))))
	c.logger.Info("badges granted", zap.Strings("badges", badgeIDs(fresh)))

	result := IssueResult{
		Outcome: OutcomeGranted,
		Granted: fresh,
		State:   &progress.BadgeState{Badges: append(append([]progress.Badge(nil), state.Badges...), fresh...)},
	}
	prefs, err := c.backend.FetchUserPreferences(ctx)
	if err != nil {
		c.logger.Warn("refresh preferences after grant failed", zap.Error(err))
		return result, nil
	}
	if prefs != nil {
		result.Preferences = prefs
		if c.onPreferences != nil {
			c.onPreferences(prefs)
		}
	}
	return result, nil
}

// InFlight reports whether a grant request is currently outstanding.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

func badgeIDs(badges []progress.Badge) []string {
	ids := make([]string, 0, len(badges))
	for _, b := range badges {
		ids = append(ids, b.ID)
	}
	return ids
}

func sourceOf(badges []progress.Badge) string {
	if len(badges) == 0 {
		return ""
	}
	return badges[0].SourceURL
}
