package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"caucode/internal/domain"
	"caucode/internal/solvedac"
	"caucode/internal/store"
	"caucode/internal/taskq"
)

// fakeAPI serves canned users per handle; missing handles return
// ErrUserNotFound and err, when set, trumps everything.
type fakeAPI struct {
	users map[string]*solvedac.User
	err   error
}

func (f *fakeAPI) UserShow(_ context.Context, handle string) (*solvedac.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[handle]
	if !ok {
		return nil, solvedac.ErrUserNotFound
	}
	return u, nil
}

// fakeSubmitter records submitted tasks without running them.
type fakeSubmitter struct {
	mu    sync.Mutex
	names []string
	opts  []taskq.Options
	err   error
}

func (f *fakeSubmitter) Submit(name string, _ taskq.WorkFunc, opts taskq.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	f.opts = append(f.opts, opts)
	return "tsk_fake", nil
}

func testStore(t *testing.T) store.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLiteRepo(db)
}

func testServices(t *testing.T, api UserAPI) (*VerificationService, *ProfileService, store.Repository, *fakeSubmitter) {
	t.Helper()
	repo := testStore(t)
	tasks := &fakeSubmitter{}
	profiles := NewProfileService(repo, api, tasks, 6*time.Hour, zerolog.Nop())
	verifications := NewVerificationService(repo, api, profiles, zerolog.Nop())
	return verifications, profiles, repo, tasks
}

func TestStartIssuesPrefixedCode(t *testing.T) {
	svc, _, repo, _ := testServices(t, &fakeAPI{})

	v, err := svc.Start(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, v.ID, "ver_")
	assert.Contains(t, v.Code, "caucode-")
	assert.Equal(t, domain.VerificationPending, v.Status)

	stored, err := repo.GetVerification(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Code, stored.Code)
}

func TestCheckPendingVerifiesMatchingBio(t *testing.T) {
	api := &fakeAPI{users: map[string]*solvedac.User{}}
	svc, _, repo, tasks := testServices(t, api)
	ctx := context.Background()

	v, err := svc.Start(ctx, "alice")
	require.NoError(t, err)
	api.users["alice"] = &solvedac.User{Handle: "alice", Bio: "hi " + v.Code, Tier: 15, Rating: 1800}

	stats, err := svc.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckStats{TotalChecked: 1, Verified: 1}, stats)

	stored, err := repo.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationVerified, stored.Status)

	p, err := repo.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, 15, p.Tier)

	// The verified profile gets a high priority follow-up sync.
	require.Len(t, tasks.names, 1)
	assert.Equal(t, "profile_sync_alice", tasks.names[0])
	assert.Equal(t, taskq.PriorityHigh, tasks.opts[0].Priority)
}

func TestCheckPendingCountsMisses(t *testing.T) {
	api := &fakeAPI{users: map[string]*solvedac.User{
		"bob": {Handle: "bob", Bio: "nothing to see here"},
	}}
	svc, _, repo, _ := testServices(t, api)
	ctx := context.Background()

	v, err := svc.Start(ctx, "bob")
	require.NoError(t, err)

	for i := 1; i <= maxVerificationAttempts; i++ {
		stats, err := svc.CheckPending(ctx)
		require.NoError(t, err)
		if i < maxVerificationAttempts {
			assert.Equal(t, CheckStats{TotalChecked: 1, StillPending: 1}, stats, "pass %d", i)
		} else {
			assert.Equal(t, CheckStats{TotalChecked: 1, Failed: 1}, stats, "pass %d", i)
		}
	}

	stored, err := repo.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationFailed, stored.Status)
	assert.Equal(t, maxVerificationAttempts, stored.Attempts)

	// Failed requests drop out of the pending pass.
	stats, err := svc.CheckPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalChecked)
}

func TestCheckPendingVanishedHandleConsumesAttempt(t *testing.T) {
	svc, _, repo, _ := testServices(t, &fakeAPI{users: map[string]*solvedac.User{}})
	ctx := context.Background()

	v, err := svc.Start(ctx, "ghost")
	require.NoError(t, err)

	stats, err := svc.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckStats{TotalChecked: 1, StillPending: 1}, stats)

	stored, err := repo.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestCheckPendingUpstreamErrorIsFree(t *testing.T) {
	api := &fakeAPI{err: errors.New("upstream down")}
	svc, _, repo, _ := testServices(t, api)
	ctx := context.Background()

	v, err := svc.Start(ctx, "alice")
	require.NoError(t, err)

	stats, err := svc.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckStats{TotalChecked: 1, Errors: 1}, stats)

	stored, err := repo.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Attempts, "no attempt consumed on upstream failure")
	assert.Equal(t, domain.VerificationPending, stored.Status)
}

func TestCleanupExpired(t *testing.T) {
	svc, _, repo, _ := testServices(t, &fakeAPI{})
	ctx := context.Background()

	_, err := repo.CreateVerification(ctx, domain.Verification{
		Handle:    "old",
		Code:      "caucode-old",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
