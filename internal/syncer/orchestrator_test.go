package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/skillsync/internal/badges"
	"github.com/agentworkforce/skillsync/internal/ledgerstore"
	"github.com/agentworkforce/skillsync/internal/progress"
)

const sourceX = "https://example.test/skillmap/x"

func testCatalog() progress.Catalog {
	return progress.Catalog{sourceX: {
		"map1": {
			MapID: "map1",
			Activities: []progress.ActivityDefinition{
				{ActivityID: "a1", Kind: progress.NodeActivity, Tags: []string{"intro"}},
				{ActivityID: "a2", Kind: progress.NodeActivity, Tags: []string{"loops"}},
				{ActivityID: "cert", Kind: progress.NodeReward, Badge: &progress.Badge{ID: "badge-map1"}},
			},
		},
	}}
}

type fakeBackend struct {
	mu          sync.Mutex
	auth        AuthStatus
	authErr     error
	mapping     progress.HeaderMapping
	transferErr error
	release     chan struct{}
	transferred [][]string
	granted     [][]string
	badgeState  *progress.BadgeState
}

func signedIn(userID string) *fakeBackend {
	return &fakeBackend{auth: AuthStatus{SignedIn: true, Profile: &progress.Profile{ID: userID}}}
}

func (f *fakeBackend) AuthStatus(context.Context) (AuthStatus, error) {
	return f.auth, f.authErr
}

func (f *fakeBackend) TransferLocalWork(ctx context.Context, headerIDs []string) (progress.HeaderMapping, error) {
	f.mu.Lock()
	f.transferred = append(f.transferred, headerIDs)
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return f.mapping, f.transferErr
}

func (f *fakeBackend) FetchBadgeState(context.Context) (*progress.BadgeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badgeState == nil {
		return nil, nil
	}
	return &progress.BadgeState{Badges: append([]progress.Badge(nil), f.badgeState.Badges...)}, nil
}

func (f *fakeBackend) GrantBadges(_ context.Context, fresh, _ []progress.Badge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(fresh))
	for _, b := range fresh {
		ids = append(ids, b.ID)
	}
	f.granted = append(f.granted, ids)
	if f.badgeState == nil {
		f.badgeState = &progress.BadgeState{}
	}
	f.badgeState.Badges = append(f.badgeState.Badges, fresh...)
	return nil
}

func (f *fakeBackend) FetchUserPreferences(context.Context) (*progress.Preferences, error) {
	return &progress.Preferences{Language: "en"}, nil
}

func (f *fakeBackend) grants() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.granted...)
}

func (f *fakeBackend) transfers() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.transferred...)
}

type countingLedgers struct {
	*ledgerstore.Router
	mu    sync.Mutex
	saves []uint64
}

func (c *countingLedgers) SaveLedger(ctx context.Context, scope progress.Scope, ledger *progress.Ledger) error {
	c.mu.Lock()
	c.saves = append(c.saves, ledger.Version)
	c.mu.Unlock()
	return c.Router.SaveLedger(ctx, scope, ledger)
}

func (c *countingLedgers) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saves)
}

type harness struct {
	orch    *Orchestrator
	store   *StateStore
	ledgers *countingLedgers
	backend *fakeBackend
}

func newHarness(t *testing.T, backend *fakeBackend, timeout time.Duration, status progress.SourceStatus) *harness {
	t.Helper()
	ledgers := &countingLedgers{Router: ledgerstore.NewRouter(ledgerstore.NewInMemoryBackend(), ledgerstore.NewInMemoryBackend())}
	store := NewStateStore(Snapshot{SourceURL: sourceX, SourceStatus: status})
	orch, err := New(Options{
		Store:   store,
		Ledgers: ledgers,
		Backend: backend,
		Catalog: testCatalog(),
		Timeout: timeout,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: store, ledgers: ledgers, backend: backend}
}

func (h *harness) seed(t *testing.T, scope progress.Scope, ledger *progress.Ledger) {
	t.Helper()
	require.NoError(t, h.ledgers.Router.SaveLedger(context.Background(), scope, ledger))
}

func ledgerWith(t *testing.T, userID string, activities map[string]string) *progress.Ledger {
	t.Helper()
	def, _ := testCatalog().Map(sourceX, "map1")
	l := progress.NewLedger(userID)
	for id, header := range activities {
		var err error
		l, _, err = progress.CompleteActivity(l, def, progress.Completion{Source: sourceX, MapID: "map1", ActivityID: id, HeaderID: header})
		require.NoError(t, err)
	}
	return l
}

func activityHeader(snap Snapshot, id string) string {
	return snap.Ledger.Sources[sourceX].MapProgress["map1"].ActivityState[id].HeaderID
}

func TestStartSignedOutPublishesLocalLedger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, &fakeBackend{}, time.Second, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": ""}))

	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()

	snap := h.store.Snapshot()
	assert.Equal(t, StateDone, snap.Sync.State)
	assert.False(t, snap.Sync.SignedIn)
	assert.True(t, snap.Ledger.Sources[sourceX].MapProgress["map1"].ActivityState["a1"].IsCompleted)
	assert.Empty(t, h.backend.transfers())

	// Unchanged ledger is not written back.
	h.orch.HandleChange(context.Background(), snap)
	assert.Equal(t, 0, h.ledgers.saveCount())

	next, changed, err := h.orch.CompleteActivity(progress.Completion{MapID: "map1", ActivityID: "cert"})
	require.NoError(t, err)
	require.True(t, changed)
	h.orch.HandleChange(context.Background(), next)
	assert.Equal(t, 1, h.ledgers.saveCount())
	assert.Empty(t, h.backend.grants(), "signed-out sessions never grant badges")

	saved, err := h.ledgers.LoadLedger(context.Background(), progress.ScopeLocal, "")
	require.NoError(t, err)
	assert.Equal(t, next.Ledger.Version, saved.Version)

	require.ErrorIs(t, h.orch.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartSignedInMergesAndRemapsHeaders(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	backend := signedIn("user-1")
	backend.mapping = progress.HeaderMapping{"local-h1": "cloud-h1"}
	h := newHarness(t, backend, time.Second, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": "local-h1"}))

	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()

	snap := h.store.Snapshot()
	assert.Equal(t, StateDone, snap.Sync.State)
	assert.True(t, snap.Sync.SignedIn)
	assert.Equal(t, "user-1", snap.Sync.UserID)
	assert.Equal(t, "user-1", snap.Ledger.UserID)
	assert.Equal(t, "cloud-h1", activityHeader(snap, "a1"))
	assert.Equal(t, [][]string{{"local-h1"}}, backend.transfers())

	cloud, err := h.ledgers.LoadLedger(context.Background(), progress.ScopeCloud, "user-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Ledger.Version, cloud.Version)
	assert.Equal(t, 1, cloud.Sources[sourceX].CompletedTags["intro"])
}

func TestStartSignedInCloudWinsForStartedSource(t *testing.T) {
	backend := signedIn("user-1")
	h := newHarness(t, backend, time.Second, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": "h1", "a2": "h2"}))
	h.seed(t, progress.ScopeCloud, ledgerWith(t, "user-1", map[string]string{"a1": "c1"}))

	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()

	snap := h.store.Snapshot()
	mp := snap.Ledger.Sources[sourceX].MapProgress["map1"]
	assert.Equal(t, progress.StateInProgress, mp.CompletionState)
	assert.Len(t, mp.ActivityState, 1)
	assert.Equal(t, "c1", activityHeader(snap, "a1"))
	assert.Empty(t, backend.transfers(), "nothing to transfer for a source the cloud already started")
}

func TestStartTransferFailureFallsBackToIdentityMapping(t *testing.T) {
	backend := signedIn("user-1")
	backend.transferErr = errors.New("transfer service down")
	h := newHarness(t, backend, time.Second, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": "local-h1"}))

	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()

	snap := h.store.Snapshot()
	assert.Equal(t, StateDone, snap.Sync.State)
	assert.Equal(t, "local-h1", activityHeader(snap, "a1"))
}

func TestStartTimeoutSettlesAndAppliesLateMerge(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	backend := signedIn("user-1")
	backend.mapping = progress.HeaderMapping{"local-h1": "cloud-h1"}
	backend.release = make(chan struct{})
	h := newHarness(t, backend, 20*time.Millisecond, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": "local-h1"}))

	require.NoError(t, h.orch.Start(context.Background()))

	snap := h.store.Snapshot()
	assert.Equal(t, StateDone, snap.Sync.State, "time budget settles the sync")
	assert.False(t, snap.Ledger.IsSourceStarted(sourceX), "merge has not landed yet")

	close(backend.release)
	h.orch.Wait()

	late := h.store.Snapshot()
	assert.Equal(t, "cloud-h1", activityHeader(late, "a1"))
	assert.Equal(t, StateDone, late.Sync.State)
	assert.Equal(t, StateDone, h.orch.State())

	cloud, err := h.ledgers.LoadLedger(context.Background(), progress.ScopeCloud, "user-1")
	require.NoError(t, err)
	assert.True(t, cloud.IsSourceStarted(sourceX))
}

func TestSaveGuard(t *testing.T) {
	backend := signedIn("user-1")
	h := newHarness(t, backend, time.Second, progress.SourceNotApproved)
	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()
	ctx := context.Background()

	base := h.store.Snapshot()
	saves := h.ledgers.saveCount()

	foreign := base
	foreign.Ledger = base.Ledger.WithVersion(base.Ledger.Version + 5)
	foreign.Ledger.UserID = "someone-else"
	h.orch.HandleChange(ctx, foreign)
	assert.Equal(t, saves, h.ledgers.saveCount(), "ledger of another user must not be saved")

	newer := base
	newer.Ledger = base.Ledger.WithVersion(base.Ledger.Version + 10)
	h.orch.HandleChange(ctx, newer)
	assert.Equal(t, saves+1, h.ledgers.saveCount())

	stale := base
	stale.Ledger = base.Ledger.WithVersion(base.Ledger.Version + 3)
	h.orch.HandleChange(ctx, stale)
	assert.Equal(t, saves+1, h.ledgers.saveCount(), "older snapshot must not overwrite a newer save")

	debug := base
	debug.Ledger = base.Ledger.WithVersion(base.Ledger.Version + 20)
	debug.Ledger.IsDebug = true
	h.orch.HandleChange(ctx, debug)
	assert.Equal(t, saves+1, h.ledgers.saveCount(), "debug fixtures are never persisted")
}

func TestBadgesWaitForSettledSync(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	backend := signedIn("user-1")
	backend.release = make(chan struct{})
	h := newHarness(t, backend, time.Minute, progress.SourceApproved)
	h.seed(t, progress.ScopeLocal, ledgerWith(t, "", map[string]string{"a1": "h1"}))

	started := make(chan error, 1)
	go func() { started <- h.orch.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return len(backend.transfers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateSyncingCloud, h.orch.State())

	complete := h.store.Snapshot()
	complete.Ledger = ledgerWith(t, "user-1", map[string]string{"a1": "", "a2": ""})
	h.orch.HandleChange(context.Background(), complete)
	assert.Empty(t, backend.grants(), "no grants before the sync settles")

	close(backend.release)
	require.NoError(t, <-started)
	h.orch.Wait()

	_, _, err := h.orch.CompleteActivity(progress.Completion{MapID: "map1", ActivityID: "a2"})
	require.NoError(t, err)
	h.orch.HandleChange(context.Background(), h.store.Snapshot())
	assert.Equal(t, [][]string{{"badge-map1"}}, backend.grants())

	snap := h.store.Snapshot()
	require.NotNil(t, snap.Badges)
	assert.True(t, snap.Badges.Has("badge-map1"))
	require.NotNil(t, snap.Preferences)

	h.orch.HandleChange(context.Background(), h.store.Snapshot())
	assert.Len(t, backend.grants(), 1, "held badges are not granted again")
}

func TestBadgesRequireApprovedSource(t *testing.T) {
	backend := signedIn("user-1")
	h := newHarness(t, backend, time.Second, progress.SourceBanned)
	h.seed(t, progress.ScopeCloud, ledgerWith(t, "user-1", map[string]string{"a1": "", "a2": ""}))
	require.NoError(t, h.orch.Start(context.Background()))
	h.orch.Wait()

	h.orch.HandleChange(context.Background(), h.store.Snapshot())
	assert.Empty(t, backend.grants())

	h.orch.SetSource(sourceX, progress.SourceApproved)
	h.orch.HandleChange(context.Background(), h.store.Snapshot())
	assert.Equal(t, [][]string{{"badge-map1"}}, backend.grants())
}

func TestRunProcessesStoreEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	backend := signedIn("user-1")
	h := newHarness(t, backend, time.Second, progress.SourceApproved)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return h.orch.State() == StateDone }, 2*time.Second, 5*time.Millisecond)
	for _, id := range []string{"a1", "a2"} {
		_, _, err := h.orch.CompleteActivity(progress.Completion{MapID: "map1", ActivityID: id})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(backend.grants()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		cloud, err := h.ledgers.LoadLedger(context.Background(), progress.ScopeCloud, "user-1")
		return err == nil && cloud.Sources[sourceX].CompletedTags["loops"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	h.orch.Wait()
	assert.Len(t, backend.grants(), 1)
}

func TestCompleteActivityUnknownMap(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Second, progress.SourceApproved)
	_, changed, err := h.orch.CompleteActivity(progress.Completion{MapID: "nope", ActivityID: "a1"})
	require.ErrorIs(t, err, progress.ErrNotFound)
	assert.False(t, changed)

	_, changed, err = h.orch.CompleteActivity(progress.Completion{MapID: "map1", ActivityID: "zz"})
	require.ErrorIs(t, err, progress.ErrNotFound)
	assert.False(t, changed)
}

func TestReloadLocalPicksUpNewerLedger(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Second, progress.SourceApproved)
	require.NoError(t, h.orch.Start(context.Background()))
	ctx := context.Background()

	external := ledgerWith(t, "", map[string]string{"a1": "", "a2": ""}).WithVersion(50)
	h.seed(t, progress.ScopeLocal, external)
	require.NoError(t, h.orch.ReloadLocal(ctx))

	snap := h.store.Snapshot()
	assert.Equal(t, uint64(50), snap.Ledger.Version)
	h.orch.HandleChange(ctx, snap)
	assert.Equal(t, 0, h.ledgers.saveCount(), "reloaded ledger is already on disk")
}

func TestReloadLocalCreatesCurrentSource(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Second, progress.SourceApproved)
	require.NoError(t, h.orch.Start(context.Background()))
	ctx := context.Background()
	const sourceY = "https://example.test/skillmap/y"
	h.orch.SetSource(sourceY, progress.SourceApproved)

	external := ledgerWith(t, "", map[string]string{"a1": ""}).WithVersion(50)
	h.seed(t, progress.ScopeLocal, external)
	require.NoError(t, h.orch.ReloadLocal(ctx))

	snap := h.store.Snapshot()
	_, ok := snap.Ledger.Source(sourceY)
	assert.True(t, ok, "reloaded ledger is missing the selected source")
	_, ok = snap.Ledger.Source(sourceX)
	assert.True(t, ok)
	assert.Greater(t, snap.Ledger.Version, uint64(50))

	require.NoError(t, h.orch.ReloadLocal(ctx))
	assert.Equal(t, snap.Seq, h.store.Snapshot().Seq, "same file reloaded twice")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, progress.ErrInvalidInput)
}

func TestStateText(t *testing.T) {
	for _, state := range []State{StateIdle, StateCheckingAuth, StateNotSignedIn, StateSyncingCloud, StateDone} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		var decoded State
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, state, decoded)
	}
	var s State
	require.Error(t, s.UnmarshalText([]byte("bogus")))
}

var _ badges.Backend = (*fakeBackend)(nil)
