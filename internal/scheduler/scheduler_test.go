package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbot/internal/logger"
	"syncbot/internal/models"
	"syncbot/internal/store"
	"syncbot/internal/syncerr"
)

type fakeReconciler struct {
	store *store.Store

	mu    sync.Mutex
	runs  map[string]int
	fail  map[string]error
	block chan struct{}
}

func newFakeReconciler(s *store.Store) *fakeReconciler {
	return &fakeReconciler{store: s, runs: make(map[string]int), fail: make(map[string]error)}
}

// Run mimics a reconciliation. Success advances the cutoff. A STOP failure
// disconnects the user; a RETRY failure restores the previous cutoff and
// leaves the user eligible. ALREADY_WORKING leaves the user claimed by
// another instance.
func (f *fakeReconciler) Run(ctx context.Context, userID string) (*models.Result, error) {
	f.mu.Lock()
	f.runs[userID]++
	runErr := f.fail[userID]
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	res := &models.Result{UserID: userID, Step: models.StepEnd}
	if runErr != nil {
		res.Fail = true
		var se *syncerr.Error
		switch {
		case errors.Is(runErr, syncerr.ErrAlreadyWorking):
			_, _ = f.store.ClaimUser(ctx, userID, "bot-2")
		case errors.As(runErr, &se) && se.Code.FinishWork() == syncerr.Retry:
			u, err := f.store.GetUser(ctx, userID)
			if err != nil {
				return res, err
			}
			_ = f.store.FinishUser(ctx, userID, store.Finish{Cutoff: u.LastCalendarSync, Status: string(se.Code)})
		default:
			_ = f.store.FinishUser(ctx, userID, store.Finish{Disconnect: true})
		}
		return res, runErr
	}
	now := time.Now()
	_ = f.store.FinishUser(ctx, userID, store.Finish{Cutoff: &now})
	return res, nil
}

func (f *fakeReconciler) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[userID]
}

type fakeReporter struct {
	mu      sync.Mutex
	results []*models.Result
}

func (r *fakeReporter) Push(ctx context.Context, res *models.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *fakeReporter) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *store.Store, id string, mutate func(u *models.User)) {
	t.Helper()
	u := &models.User{
		ID:               id,
		NotionDatabaseID: "db-" + id,
		NotionProps:      models.NotionProps{Title: "title", Calendar: "cal", Date: "date", Delete: "del"},
		IsConnected:      true,
		SyncYear:         2026,
		Plan:             models.PlanFree,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
}

func syncedAgo(d time.Duration) func(u *models.User) {
	return func(u *models.User) {
		at := time.Now().Add(-d).UTC().Truncate(time.Second)
		u.LastCalendarSync = &at
	}
}

func newRunner(s *store.Store, rec Reconciler, rep Reporter, cfg Config) *Runner {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	return New(Context{
		Store:      s,
		Reconciler: rec,
		Reporter:   rep,
		Config:     cfg,
		Owner:      "bot-1",
		Logger:     logger.Discard(),
	})
}

func TestRegistry_SingleWinner(t *testing.T) {
	reg := NewRegistry()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(loopID int) {
			defer wg.Done()
			if reg.TryClaim("u1", loopID) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	owner, ok := reg.Owner("u1")
	require.True(t, ok)
	assert.True(t, reg.TryClaim("u1", owner), "owner may re-claim")

	other := owner%32 + 1
	reg.Release("u1", other)
	_, ok = reg.Owner("u1")
	assert.True(t, ok, "only the owner releases")

	reg.Release("u1", owner)
	_, ok = reg.Owner("u1")
	assert.False(t, ok)
	assert.True(t, reg.TryClaim("u1", other))
}

func TestNew_BuildsLoopsPerPool(t *testing.T) {
	r := newRunner(nil, nil, nil, Config{
		InitWorkers: 2,
		TierWorkers: map[models.Plan]int{models.PlanFree: 1, models.PlanPro: 2},
	})

	st := r.Status()
	require.Len(t, st.Loops, 5)
	assert.Equal(t, "bot-1", st.Owner)
	assert.Equal(t, PoolInit, st.Loops[0].Pool)
	assert.Equal(t, PoolInit, st.Loops[1].Pool)
	assert.Equal(t, LoopStatus{ID: 3, Pool: PoolTier, Tier: "FREE"}, st.Loops[2])
	assert.Equal(t, "PRO", st.Loops[3].Tier)
	assert.Equal(t, "PRO", st.Loops[4].Tier)
}

func TestRunner_ProcessesEligibleUsers(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u-new", nil)
	seedUser(t, s, "u-pro", func(u *models.User) { u.Plan = models.PlanPro; syncedAgo(time.Hour)(u) })
	seedUser(t, s, "u-fresh", syncedAgo(10*time.Second))
	seedUser(t, s, "u-off", func(u *models.User) { u.IsConnected = false })

	rec := newFakeReconciler(s)
	rep := &fakeReporter{}
	r := newRunner(s, rec, rep, Config{
		InitWorkers: 1,
		TierWorkers: map[models.Plan]int{models.PlanFree: 1, models.PlanPro: 1},
	})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rec.count("u-new") == 1 && rec.count("u-pro") == 1
	}, 5*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Wait()

	assert.Zero(t, rec.count("u-fresh"))
	assert.Zero(t, rec.count("u-off"))
	assert.Equal(t, 1, rec.count("u-new"))
	assert.Equal(t, 1, rec.count("u-pro"))
	assert.Equal(t, 2, rep.len())

	st := r.Status()
	assert.True(t, st.Stopping)
	assert.Equal(t, int64(2), st.Completed)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Active)
}

func TestRunner_FailedRunIsCountedAndReported(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u-bad", nil)

	rec := newFakeReconciler(s)
	rec.fail["u-bad"] = syncerr.New(syncerr.FromNotion, syncerr.CodeInvalidCredentials, "token revoked")
	rep := &fakeReporter{}
	r := newRunner(s, rec, rep, Config{InitWorkers: 1})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.Status().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Wait()

	require.Equal(t, 1, rep.len())
	assert.True(t, rep.results[0].Fail)
	assert.Zero(t, r.Status().Completed)
}

func TestRegistry_Deferred(t *testing.T) {
	reg := NewRegistry()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	reg.Defer("u2", now.Add(time.Minute))
	reg.Defer("u1", now.Add(time.Minute))
	reg.Defer("u3", now.Add(time.Second))
	assert.Equal(t, []string{"u1", "u2", "u3"}, reg.Deferred(now))

	assert.Equal(t, []string{"u1", "u2"}, reg.Deferred(now.Add(time.Second)))
	assert.Empty(t, reg.Deferred(now.Add(time.Minute)))
	assert.Empty(t, reg.Deferred(now))
}

func TestRunner_RetryFailureDoesNotStarvePool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "a-flaky", syncedAgo(2*time.Hour))
	seedUser(t, s, "b-healthy", syncedAgo(time.Hour))
	before, err := s.GetUser(ctx, "a-flaky")
	require.NoError(t, err)

	rec := newFakeReconciler(s)
	rec.fail["a-flaky"] = syncerr.New(syncerr.FromGoogle, syncerr.CodeRateLimited, "quota exceeded")
	cfg := Config{TierWorkers: map[models.Plan]int{models.PlanFree: 1}}
	r := newRunner(s, rec, nil, cfg)
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool { return rec.count("b-healthy") == 1 }, 5*time.Second, 5*time.Millisecond)
	// Several poll intervals pass without the failing user being picked again.
	time.Sleep(5 * r.sc.Config.PollInterval)
	r.Stop()
	r.Wait()

	assert.Equal(t, 1, rec.count("a-flaky"))
	assert.Equal(t, 1, rec.count("b-healthy"))
	st := r.Status()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Completed)

	after, err := s.GetUser(ctx, "a-flaky")
	require.NoError(t, err)
	assert.True(t, after.IsConnected)
	require.NotNil(t, after.LastCalendarSync)
	assert.True(t, before.LastCalendarSync.Equal(*after.LastCalendarSync))
	assert.Equal(t, "RATE_LIMITED", after.LastSyncStatus)
}

func TestRunner_RetryFailureIsPickedUpAfterBackoff(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u-new", nil)

	rec := newFakeReconciler(s)
	rec.fail["u-new"] = syncerr.New(syncerr.FromNotion, syncerr.CodeServerError, "bad gateway")
	backoff := 50 * time.Millisecond
	r := newRunner(s, rec, nil, Config{InitWorkers: 1, RetryBackoff: backoff})
	start := time.Now()
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count("u-new") >= 2 }, 5*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	r.Stop()
	r.Wait()

	assert.GreaterOrEqual(t, elapsed, backoff)
	assert.Equal(t, int64(rec.count("u-new")), r.Status().Failed)
}

func TestRunner_AlreadyWorkingIsNotAFailure(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", nil)

	rec := newFakeReconciler(s)
	rec.fail["u1"] = syncerr.New(syncerr.FromSyncbot, syncerr.CodeAlreadyWorking, "claimed elsewhere")
	r := newRunner(s, rec, nil, Config{InitWorkers: 1})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count("u1") == 1 }, 5*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Wait()

	st := r.Status()
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Completed)
}

func TestRunner_StartReleasesOwnStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "mine", syncedAgo(time.Minute))
	seedUser(t, s, "theirs", syncedAgo(time.Minute))
	ok, err := s.ClaimUser(ctx, "mine", "bot-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimUser(ctx, "theirs", "bot-2")
	require.NoError(t, err)
	require.True(t, ok)

	r := newRunner(s, newFakeReconciler(s), nil, Config{})
	require.NoError(t, r.Start(ctx))
	r.Stop()
	r.Wait()

	u, err := s.GetUser(ctx, "mine")
	require.NoError(t, err)
	assert.False(t, u.IsWork)
	u, err = s.GetUser(ctx, "theirs")
	require.NoError(t, err)
	assert.True(t, u.IsWork)
}

func TestRunner_StopInterruptsIdleSleep(t *testing.T) {
	s := newTestStore(t)
	r := newRunner(s, newFakeReconciler(s), nil, Config{InitWorkers: 2, PollInterval: time.Hour})
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not stop")
	}
}

func TestRunner_ForceExit(t *testing.T) {
	t.Run("idle loops exit cleanly", func(t *testing.T) {
		s := newTestStore(t)
		var code atomic.Int32
		code.Store(-1)
		r := New(Context{
			Store:      s,
			Reconciler: newFakeReconciler(s),
			Config:     Config{InitWorkers: 1, PollInterval: time.Hour, ForceExitGrace: time.Second},
			Owner:      "bot-1",
			Logger:     logger.Discard(),
			Exit:       func(c int) { code.Store(int32(c)) },
		})
		require.NoError(t, r.Start(context.Background()))
		r.ForceExit()
		assert.Equal(t, int32(0), code.Load())
	})

	t.Run("stuck run exits after grace", func(t *testing.T) {
		s := newTestStore(t)
		seedUser(t, s, "u1", nil)
		rec := newFakeReconciler(s)
		rec.block = make(chan struct{})
		var code atomic.Int32
		code.Store(-1)
		r := New(Context{
			Store:      s,
			Reconciler: rec,
			Config:     Config{InitWorkers: 1, PollInterval: 10 * time.Millisecond, ForceExitGrace: 30 * time.Millisecond},
			Owner:      "bot-1",
			Logger:     logger.Discard(),
			Exit:       func(c int) { code.Store(int32(c)) },
		})
		require.NoError(t, r.Start(context.Background()))
		require.Eventually(t, func() bool { return r.Status().Active == 1 }, 5*time.Second, 5*time.Millisecond)

		st := r.Status()
		assert.Equal(t, "u1", st.Loops[0].UserID)
		assert.NotNil(t, st.Loops[0].StartedAt)

		r.ForceExit()
		assert.Equal(t, int32(1), code.Load())

		close(rec.block)
		r.Wait()
	})
}

func TestRunner_Housekeep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)

	now := time.Now().UTC().Truncate(time.Second)
	logs := []*models.ErrorLog{
		{UserID: "u1", Code: "TIMEOUT", From: "SYNCBOT", Level: "WARN", FinishWork: "RETRY", CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{UserID: "u1", Code: "UNKNOWN", From: "UNKNOWN", Level: "CRIT", FinishWork: "STOP", Archive: true, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{UserID: "u1", Code: "RATE_LIMITED", From: "NOTION", Level: "WARN", FinishWork: "RETRY", CreatedAt: now.Add(-time.Hour)},
	}
	for _, l := range logs {
		require.NoError(t, s.InsertErrorLog(ctx, l))
	}

	r := newRunner(s, nil, nil, Config{ErrorRetention: 7 * 24 * time.Hour})
	r.Housekeep(ctx)

	left, err := s.ListErrorLogs(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	codes := []string{left[0].Code, left[1].Code}
	assert.ElementsMatch(t, []string{"UNKNOWN", "RATE_LIMITED"}, codes)
}

func TestRunner_InvalidHousekeepingSpec(t *testing.T) {
	s := newTestStore(t)
	r := newRunner(s, nil, nil, Config{HousekeepingSpec: "not a spec"})
	assert.Error(t, r.Start(context.Background()))
}
