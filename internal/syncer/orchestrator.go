// Package syncer drives sign-in reconciliation of the progress ledger and the
// badge issuance that follows every published change.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/skillsync/internal/badges"
	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/telemetry"
)

const DefaultSyncTimeout = 10 * time.Second

var ErrAlreadyStarted = errors.New("sync already started")

type State int32

const (
	StateIdle State = iota
	StateCheckingAuth
	StateNotSignedIn
	StateSyncingCloud
	StateDone
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateCheckingAuth: "checking-auth",
	StateNotSignedIn:  "not-signed-in",
	StateSyncingCloud: "syncing-cloud",
	StateDone:         "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: unknown sync state %q", progress.ErrInvalidInput, string(text))
}

// LedgerStore persists ledgers per scope; ledgerstore.Router implements it.
type LedgerStore interface {
	LoadLedger(ctx context.Context, scope progress.Scope, userID string) (*progress.Ledger, error)
	SaveLedger(ctx context.Context, scope progress.Scope, ledger *progress.Ledger) error
}

type Options struct {
	Store       *StateStore
	Ledgers     LedgerStore
	Backend     Backend
	Coordinator *badges.Coordinator
	Evaluator   badges.Evaluator
	Catalog     progress.Catalog
	Timeout     time.Duration
	DebugFlags  progress.DebugFlags
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
}

// Orchestrator runs the sign-in state machine
//
//	idle -> checking-auth -> (not-signed-in | syncing-cloud) -> done
//
// once per session, persists published ledgers and issues badges once the
// sync has settled.
type Orchestrator struct {
	store       *StateStore
	ledgers     LedgerStore
	backend     Backend
	coordinator *badges.Coordinator
	evaluator   badges.Evaluator
	catalog     progress.Catalog
	timeout     time.Duration
	debug       progress.DebugFlags
	logger      *zap.Logger
	metrics     *telemetry.Metrics

	state    atomic.Int32
	signedIn atomic.Bool

	saveMu       sync.Mutex
	loaded       bool
	loadedUserID string
	lastSaved    uint64

	bg sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Ledgers == nil || opts.Backend == nil {
		return nil, fmt.Errorf("%w: store, ledgers and backend are required", progress.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := telemetry.OrNoop(opts.Metrics)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = badges.NewCoordinator(opts.Backend, badges.CoordinatorOptions{Logger: logger, Metrics: metrics})
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = badges.RuleEvaluator{}
	}
	return &Orchestrator{
		store:       opts.Store,
		ledgers:     opts.Ledgers,
		backend:     opts.Backend,
		coordinator: coordinator,
		evaluator:   evaluator,
		catalog:     opts.Catalog,
		timeout:     timeout,
		debug:       opts.DebugFlags,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) SignedIn() bool {
	return o.signedIn.Load()
}

// Run starts the sync and then handles every published snapshot until ctx
// is done. Handlers run concurrently; call Wait after Run returns to let
// in-flight work (including a late merge) finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, unsubscribe := o.store.Subscribe()
	defer unsubscribe()

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if err := o.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			o.logger.Error("cloud sync check failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-events:
			if !ok {
				return nil
			}
			o.bg.Add(1)
			go func() {
				defer o.bg.Done()
				o.HandleChange(ctx, snap)
			}()
		}
	}
}

func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Start performs the one-time auth check and, when signed in, merges the
// local ledger into the cloud ledger within the time budget. It returns once
// the sync has settled; a merge still running at that point keeps going and
// applies its result when it finishes.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateCheckingAuth)) {
		return ErrAlreadyStarted
	}
	o.publishSync("checking-auth")

	local, err := o.ledgers.LoadLedger(ctx, progress.ScopeLocal, "")
	if err != nil {
		o.logger.Error("load local ledger failed; starting empty", zap.Error(err))
		local = progress.NewLedger("")
	}

	status, err := o.backend.AuthStatus(ctx)
	if err != nil {
		o.logger.Warn("auth status unavailable; continuing signed out", zap.Error(err))
		status = AuthStatus{}
	}
	userID := status.UserID()
	if !status.SignedIn || userID == "" {
		o.state.Store(int32(StateNotSignedIn))
		o.remember(local)
		o.publishLedger("signed-out", o.prepare(local))
		o.markDone()
		return nil
	}

	o.signedIn.Store(true)
	o.state.Store(int32(StateSyncingCloud))
	o.metrics.SyncRuns.Add(ctx, 1)

	cloud, err := o.ledgers.LoadLedger(ctx, progress.ScopeCloud, userID)
	if err != nil {
		o.logger.Error("load cloud ledger failed; merging into an empty one", zap.String("user", userID), zap.Error(err))
		cloud = progress.NewLedger(userID)
	}
	if cloud.UserID == "" {
		cloud.UserID = userID
	}
	o.remember(cloud)
	o.publishLedger("cloud-loaded", o.prepare(cloud))

	o.bg.Add(1)
	res := FirstToSettle(ctx, o.timeout, func(ctx context.Context) (*progress.Ledger, error) {
		defer o.bg.Done()
		return o.mergeLocal(ctx, local)
	})
	switch {
	case res.TimedOut:
		o.metrics.SyncTimeouts.Add(ctx, 1)
		o.logger.Info("cloud sync exceeded its time budget; merge continues in background",
			zap.Duration("budget", o.timeout))
	case res.Err != nil:
		o.logger.Warn("cloud sync merge failed", zap.Error(res.Err))
	}
	o.markDone()
	return nil
}

func (o *Orchestrator) mergeLocal(ctx context.Context, local *progress.Ledger) (*progress.Ledger, error) {
	candidates := progress.TransferCandidates(local, o.store.Snapshot().Ledger)
	var mapping progress.HeaderMapping
	if len(candidates) > 0 {
		transferred, err := o.backend.TransferLocalWork(ctx, candidates)
		if err != nil {
			o.metrics.TransferFailures.Add(ctx, 1)
			o.logger.Warn("transfer of local work failed; keeping local header ids",
				zap.Int("headers", len(candidates)),
				zap.Error(err),
			)
		} else {
			mapping = transferred
		}
	}

	var merged *progress.Ledger
	o.store.Update("merged", func(cur Snapshot) (Snapshot, bool) {
		next := progress.Reconcile(local, cur.Ledger, mapping)
		next.UserID = cur.Ledger.UserID
		next.Version = max(next.Version, cur.Ledger.Version) + 1
		next = progress.EnsureSource(next, cur.SourceURL)
		cur.Ledger = next
		merged = next
		return cur, true
	})
	if _, err := o.persist(ctx, merged, true); err != nil {
		return merged, err
	}
	return merged, nil
}

// HandleChange reacts to one published snapshot: it persists the ledger when
// the save guard allows it and grants any newly earned badges.
func (o *Orchestrator) HandleChange(ctx context.Context, snap Snapshot) {
	if _, err := o.persist(ctx, snap.Ledger, false); err != nil {
		o.logger.Error("save ledger failed", zap.Uint64("version", snap.Ledger.Version), zap.Error(err))
	}
	o.issueBadges(ctx, snap)
}

// persist saves ledger if it belongs to the loaded user, is newer than the
// last saved version and, when signed in, the sync has settled (force skips
// only that last check). Saves are serialized.
func (o *Orchestrator) persist(ctx context.Context, ledger *progress.Ledger, force bool) (bool, error) {
	if ledger == nil || ledger.IsDebug {
		return false, nil
	}
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	if o.loaded && ledger.UserID != o.loadedUserID {
		return false, nil
	}
	if ledger.Version <= o.lastSaved {
		return false, nil
	}
	signedIn := o.signedIn.Load()
	if !force && signedIn && o.State() != StateDone {
		return false, nil
	}
	if state := o.State(); !signedIn && (state == StateIdle || state == StateCheckingAuth) {
		return false, nil
	}
	scope := progress.ScopeLocal
	if signedIn {
		scope = progress.ScopeCloud
	}

	start := time.Now()
	err := o.ledgers.SaveLedger(ctx, scope, ledger)
	o.metrics.SaveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return false, err
	}
	o.metrics.LedgerSaves.Add(ctx, 1)
	o.loaded = true
	o.loadedUserID = ledger.UserID
	o.lastSaved = ledger.Version
	o.logger.Debug("ledger saved", zap.String("scope", string(scope)), zap.Uint64("version", ledger.Version))
	return true, nil
}

func (o *Orchestrator) remember(ledger *progress.Ledger) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	o.loaded = true
	o.loadedUserID = ledger.UserID
	o.lastSaved = ledger.Version
}

func (o *Orchestrator) issueBadges(ctx context.Context, snap Snapshot) {
	if !o.signedIn.Load() || o.State() != StateDone || snap.SourceStatus != progress.SourceApproved {
		return
	}
	candidates := badges.Candidates(o.evaluator, snap.Ledger, snap.SourceURL, o.catalog.Maps(snap.SourceURL))
	if len(candidates) == 0 {
		return
	}
	result, err := o.coordinator.Issue(ctx, candidates)
	if err != nil {
		o.logger.Debug("badge issuance deferred", zap.String("outcome", string(result.Outcome)), zap.Error(err))
	}
	if result.State == nil {
		return
	}
	if result.Outcome != badges.OutcomeGranted && sameBadges(snap.Badges, result.State) {
		return
	}
	o.store.Update("badges", func(cur Snapshot) (Snapshot, bool) {
		if result.Outcome != badges.OutcomeGranted && sameBadges(cur.Badges, result.State) {
			return cur, false
		}
		cur.Badges = result.State
		if result.Preferences != nil {
			cur.Preferences = result.Preferences
		}
		return cur, true
	})
}

func sameBadges(a, b *progress.BadgeState) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Badges) != len(b.Badges) {
		return false
	}
	for _, badge := range b.Badges {
		if !a.Has(badge.ID) {
			return false
		}
	}
	return true
}

// markDone settles the sync. It only ever moves forward and publishes once.
func (o *Orchestrator) markDone() bool {
	for {
		cur := o.state.Load()
		if State(cur) == StateDone {
			return false
		}
		if o.state.CompareAndSwap(cur, int32(StateDone)) {
			o.publishSync("sync-settled")
			return true
		}
	}
}

func (o *Orchestrator) syncStatus(ledger *progress.Ledger) SyncStatus {
	status := SyncStatus{State: o.State(), SignedIn: o.signedIn.Load()}
	if status.SignedIn && ledger != nil {
		status.UserID = ledger.UserID
	}
	return status
}

func (o *Orchestrator) publishSync(cause string) {
	o.store.Update(cause, func(cur Snapshot) (Snapshot, bool) {
		cur.Sync = o.syncStatus(cur.Ledger)
		return cur, true
	})
}

func (o *Orchestrator) publishLedger(cause string, ledger *progress.Ledger) {
	o.store.Update(cause, func(cur Snapshot) (Snapshot, bool) {
		cur.Ledger = ledger
		cur.Sync = o.syncStatus(ledger)
		return cur, true
	})
}

func (o *Orchestrator) prepare(ledger *progress.Ledger) *progress.Ledger {
	snap := o.store.Snapshot()
	ledger = progress.ApplyDebugFlags(ledger, o.debug, snap.SourceURL, o.catalog.Maps(snap.SourceURL))
	return progress.EnsureSource(ledger, snap.SourceURL)
}

// SetSource selects the content source whose maps are shown and evaluated,
// creating its ledger entry on first visit.
func (o *Orchestrator) SetSource(url string, status progress.SourceStatus) Snapshot {
	url = strings.TrimSpace(url)
	snap, _ := o.store.Update("source", func(cur Snapshot) (Snapshot, bool) {
		cur.SourceURL = url
		cur.SourceStatus = status
		cur.Ledger = progress.EnsureSource(cur.Ledger, url)
		return cur, true
	})
	return snap
}

func (o *Orchestrator) CompleteActivity(c progress.Completion) (Snapshot, bool, error) {
	return o.mutate("activity-completed", c, func(l *progress.Ledger, def progress.MapDefinition) (*progress.Ledger, bool, error) {
		return progress.CompleteActivity(l, def, c)
	})
}

func (o *Orchestrator) AttachHeader(c progress.Completion) (Snapshot, bool, error) {
	return o.mutate("header-attached", c, func(l *progress.Ledger, _ progress.MapDefinition) (*progress.Ledger, bool, error) {
		next, err := progress.AttachHeader(l, c.Source, c.MapID, c.ActivityID, c.HeaderID)
		return next, next != l, err
	})
}

func (o *Orchestrator) mutate(cause string, c progress.Completion, fn func(*progress.Ledger, progress.MapDefinition) (*progress.Ledger, bool, error)) (Snapshot, bool, error) {
	if strings.TrimSpace(c.Source) == "" {
		c.Source = o.store.Snapshot().SourceURL
	}
	def, ok := o.catalog.Map(c.Source, c.MapID)
	if !ok {
		return o.store.Snapshot(), false, fmt.Errorf("%w: map %s in source %s", progress.ErrNotFound, c.MapID, c.Source)
	}
	var opErr error
	snap, changed := o.store.Update(cause, func(cur Snapshot) (Snapshot, bool) {
		next, changed, err := fn(cur.Ledger, def)
		if err != nil {
			opErr = err
			return cur, false
		}
		if !changed {
			return cur, false
		}
		cur.Ledger = next
		return cur, true
	})
	return snap, changed, opErr
}

// Trigger publishes the current snapshot again so handlers re-run.
func (o *Orchestrator) Trigger(cause string) Snapshot {
	snap, _ := o.store.Update(cause, func(cur Snapshot) (Snapshot, bool) {
		return cur, true
	})
	return snap
}

// ReloadLocal picks up a local ledger written by another process. It is a
// no-op once signed in, since the cloud ledger is then the active one.
func (o *Orchestrator) ReloadLocal(ctx context.Context) error {
	if o.signedIn.Load() || o.State() != StateDone {
		return nil
	}
	local, err := o.ledgers.LoadLedger(ctx, progress.ScopeLocal, "")
	if err != nil {
		return err
	}
	o.saveMu.Lock()
	if local.Version > o.lastSaved {
		o.lastSaved = local.Version
	}
	o.saveMu.Unlock()
	if cur := o.store.Snapshot(); cur.Ledger != nil && local.Version <= cur.Ledger.Version {
		return nil
	}
	prepared := o.prepare(local)
	o.store.Update("local-reloaded", func(cur Snapshot) (Snapshot, bool) {
		if cur.Ledger != nil && local.Version <= cur.Ledger.Version {
			return cur, false
		}
		cur.Ledger = prepared
		return cur, true
	})
	return nil
}
