package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/config"
	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/kv/kvtest"
	"github.com/pysugar/relay-nexus/internal/lock"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/platform"
)

type stubRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *stubRefresher) Refresh(_ context.Context, _ platform.Platform, refreshToken string) (*oauth2.Token, error) {
	n := s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: refreshToken + "-rotated",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

type testEnv struct {
	store *account.Store
	locks *lock.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rdb, _ := kvtest.New(t)
	keys := kv.NewKeys("test:")
	return &testEnv{
		store: account.NewStore(rdb, keys, nil, logging.Discard(), account.Options{}),
		locks: lock.NewManager(rdb, keys, 10*time.Second, logging.Discard()),
	}
}

func (e *testEnv) account(t *testing.T, id, access, refresh string, expiresAt time.Time) {
	t.Helper()
	_, err := e.store.Create(context.Background(), account.CreateInput{
		ID:           id,
		Platform:     platform.Claude,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
	require.NoError(t, err)
}

func (e *testEnv) manager(r Refresher, wait time.Duration) *Manager {
	return NewManager(e.store, e.locks, r, Options{RefreshMargin: 5 * time.Minute, LockWait: wait}, logging.Discard())
}

func TestGetAccessToken_FreshTokenIsReturnedAsIs(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "valid", "r1", time.Now().Add(time.Hour))
	r := &stubRefresher{}

	tok, err := env.manager(r, time.Millisecond).GetAccessToken(context.Background(), platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "valid", tok)
	assert.Zero(t, r.calls.Load())
}

func TestGetAccessToken_RefreshesAndRotates(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(time.Minute))
	r := &stubRefresher{}
	ctx := context.Background()

	tok, err := env.manager(r, time.Millisecond).GetAccessToken(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	creds, err := env.store.Credentials(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "r1-rotated", creds.RefreshToken)

	held, err := env.locks.Held(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after refresh")
}

func TestGetAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(-time.Minute))
	r := &stubRefresher{delay: 50 * time.Millisecond}
	m := env.manager(r, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetAccessToken(context.Background(), platform.Claude, "a1")
			assert.NoError(t, err)
			assert.Equal(t, "access-1", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestRefreshIfExpiring_CancelledCallerDoesNotFailOthers(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(-time.Minute))
	r := &stubRefresher{delay: 100 * time.Millisecond}
	m := env.manager(r, time.Millisecond)

	leaving, cancel := context.WithCancel(context.Background())
	leftErr := make(chan error, 1)
	go func() {
		_, err := m.GetAccessToken(leaving, platform.Claude, "a1")
		leftErr <- err
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	stayed := make(chan string, 1)
	go func() {
		tok, err := m.GetAccessToken(context.Background(), platform.Claude, "a1")
		assert.NoError(t, err)
		stayed <- tok
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leftErr, context.Canceled)
	assert.Equal(t, "access-1", <-stayed)
	assert.Equal(t, int32(1), r.calls.Load())

	creds, err := env.store.Credentials(context.Background(), platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
}

func TestGetAccessToken_LockHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(-time.Minute))
	ctx := context.Background()
	r := &stubRefresher{}

	other, ok, err := env.locks.TryAcquire(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.manager(r, 10*time.Millisecond).GetAccessToken(ctx, platform.Claude, "a1")
	assert.ErrorIs(t, err, ErrRefreshInProgress)
	assert.Zero(t, r.calls.Load(), "a caller without the lock must never refresh")

	// The holder finishes while we wait: the re-read picks up its token.
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = env.store.UpdateCredentials(ctx, platform.Claude, "a1", account.Credentials{
			AccessToken: "from-holder",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
	}()
	tok, err := env.manager(r, 200*time.Millisecond).GetAccessToken(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, "from-holder", tok)

	_, err = other.Release(ctx)
	require.NoError(t, err)
}

func TestGetAccessToken_NoRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "", "", time.Time{})

	_, err := env.manager(&stubRefresher{}, time.Millisecond).GetAccessToken(context.Background(), platform.Claude, "a1")
	assert.ErrorIs(t, err, ErrNoRefreshCredential)
}

func TestGetAccessToken_PermanentFailureMarksUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(-time.Minute))
	ctx := context.Background()
	r := &stubRefresher{err: errors.New(`oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`)}

	_, err := env.manager(r, time.Millisecond).GetAccessToken(ctx, platform.Claude, "a1")
	assert.ErrorIs(t, err, ErrNoRefreshCredential)

	acc, err := env.store.Get(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusUnauthorized, acc.Status)
}

func TestGetAccessToken_TransientFailureKeepsAccount(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "a1", "old", "r1", time.Now().Add(-time.Minute))
	ctx := context.Background()
	r := &stubRefresher{err: errors.New("context deadline exceeded")}

	_, err := env.manager(r, time.Millisecond).GetAccessToken(ctx, platform.Claude, "a1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRefreshCredential)

	acc, err := env.store.Get(ctx, platform.Claude, "a1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusCreated, acc.Status)
}

func TestOAuth2Refresher_TokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("refresh_token") {
		case "good":
			if r.PostForm.Get("client_id") != "cid" {
				t.Errorf("unexpected client_id %q", r.PostForm.Get("client_id"))
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"next"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
		}
	}))
	defer srv.Close()

	r := NewOAuth2Refresher(map[string]config.OAuthConfig{
		"gemini": {TokenURL: srv.URL, ClientID: "cid"},
	})
	ctx := context.Background()

	tok, err := r.Refresh(ctx, platform.Gemini, "good")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "next", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	_, err = r.Refresh(ctx, platform.Gemini, "bad")
	require.Error(t, err)
	assert.True(t, isPermanentRefreshError(err))

	_, err = r.Refresh(ctx, platform.OpenAI, "good")
	assert.Error(t, err)
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: "oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}", permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(assertErr(tt.errText))
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
