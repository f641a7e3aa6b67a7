package license

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bakeneko/n8n/internal/license/leadership"
	"github.com/Bakeneko/n8n/pkg/licensing"
)

const normalDelay = DefaultRenewalInterval - testRenewOffset

func attempts(h *testHarness, result string) float64 {
	return testutil.ToFloat64(h.svc.metrics.attemptsTotal.WithLabelValues(result))
}

func TestInitLoadsSnapshotBeforeReturning(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.Equal(t, uint64(0), h.svc.CurrentSnapshotVersion())
	require.True(t, h.svc.IsFeatureEnabled("x"), "unloaded store serves the default")

	require.NoError(t, h.svc.Init(ctx, false))

	assert.Equal(t, uint64(1), h.svc.CurrentSnapshotVersion())
	assert.False(t, h.svc.IsFeatureEnabled("x"))
	assert.Equal(t, "Enterprise", h.svc.PlanName())
	renews, _, reloads := h.auth.counts()
	assert.Equal(t, 1, renews)
	assert.Equal(t, 0, reloads)

	call := trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	assert.Equal(t, StateScheduled, h.svc.Status().State)
	assert.Equal(t, float64(1), attempts(h, resultSuccess))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.svc.metrics.version))

	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Equal(t, StateStopped, h.svc.Status().State)
}

func TestInitIsIdempotentUnlessForced(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	trap.MustWait(ctx).MustRelease(ctx)

	require.NoError(t, h.svc.Init(ctx, false))
	renews, _, _ := h.auth.counts()
	assert.Equal(t, 1, renews, "second Init must not call the authority")

	require.NoError(t, h.svc.Reinit(ctx))
	trap.MustWait(ctx).MustRelease(ctx)
	renews, _, _ = h.auth.counts()
	assert.Equal(t, 2, renews)
	assert.Equal(t, uint64(2), h.svc.CurrentSnapshotVersion())

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestTickRenewsAndRearms(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	h.clock.Advance(call.Duration).MustWait(ctx)
	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ := h.auth.counts()
	assert.Equal(t, 2, renews)
	assert.Equal(t, uint64(2), h.svc.CurrentSnapshotVersion())
	status := h.svc.Status()
	require.NotNil(t, status.LastRenewalAt)
	assert.Equal(t, h.clock.Now(), *status.LastRenewalAt)
	require.NotNil(t, status.NextAttemptAt)
	assert.Equal(t, h.clock.Now().Add(normalDelay), *status.NextAttemptAt)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestTransientFailureBacksOffHonoringRetryAfter(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{
		renewFn: func(_ context.Context, call int) (licensing.Grant, error) {
			if call == 2 {
				return licensing.Grant{}, TransientError(opRenew, 5*time.Second, errors.New("429 too many requests"))
			}
			return testGrant(), nil
		},
	}
	h := newHarness(t, testConfig(), auth)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)

	call = trap.MustWait(ctx)
	assert.Equal(t, 5*time.Second, call.Duration, "retry hint beats the shorter backoff")
	assert.Equal(t, StateBackoff, h.svc.Status().State)
	call.MustRelease(ctx)

	h.clock.Advance(4 * time.Second).MustWait(ctx)
	renews, _, _ := h.auth.counts()
	assert.Equal(t, 2, renews, "no authority call before the retry hint elapses")
	status := h.svc.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "429")
	assert.Equal(t, uint64(1), status.Version, "last known snapshot keeps serving")

	h.clock.Advance(time.Second).MustWait(ctx)
	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ = h.auth.counts()
	assert.Equal(t, 3, renews)
	assert.Equal(t, StateScheduled, h.svc.Status().State)
	assert.Equal(t, 0, h.svc.Status().ConsecutiveFailures)
	assert.Greater(t, h.svc.CurrentSnapshotVersion(), uint64(1))
	assert.Equal(t, float64(1), attempts(h, resultTransient))

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestTransientBackoffGrowsAndCaps(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{
		renewFn: func(context.Context, int) (licensing.Grant, error) {
			return licensing.Grant{}, errors.New("connection refused")
		},
	}
	cfg := testConfig()
	cfg.BackoffMax = 4 * time.Second
	h := newHarness(t, cfg, auth)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	// The failed Init renewal starts the loop in backoff.
	require.NoError(t, h.svc.Init(ctx, false))
	assert.Equal(t, uint64(0), h.svc.CurrentSnapshotVersion())

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		call := trap.MustWait(ctx)
		delays = append(delays, call.Duration)
		call.MustRelease(ctx)
		h.clock.Advance(call.Duration).MustWait(ctx)
	}
	call := trap.MustWait(ctx)
	delays = append(delays, call.Duration)
	call.MustRelease(ctx)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, StateBackoff, h.svc.Status().State)
	assert.Equal(t, 5, h.svc.Status().ConsecutiveFailures)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestTerminalFailureKeepsNormalInterval(t *testing.T) {
	ctx := testContext(t)
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	auth := &fakeAuthority{
		renewFn: func(_ context.Context, call int) (licensing.Grant, error) {
			if call == 2 {
				return licensing.Grant{}, TerminalError(opRenew, errors.New("tenant unauthorized"))
			}
			return testGrant(), nil
		},
	}
	h := newHarnessWithLogger(t, testConfig(), auth, logger)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)

	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	status := h.svc.Status()
	assert.Equal(t, StateScheduled, status.State)
	assert.Equal(t, uint64(1), status.Version)
	assert.Contains(t, status.LastError, "tenant unauthorized")
	assert.Equal(t, float64(1), attempts(h, resultTerminal))
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "rejected")

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestLatestLeadershipChangeWins(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.MultiInstanceEnabled = true
	h := newHarness(t, cfg, nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	renews, _, reloads := h.auth.counts()
	assert.Equal(t, 0, renews, "unset leadership must not renew")
	assert.Equal(t, 1, reloads)
	assert.Equal(t, uint64(1), h.svc.CurrentSnapshotVersion())

	call := trap.MustWait(ctx)
	h.tracker.Set(leadership.StatusLeader)
	h.tracker.Set(leadership.StatusFollower)
	call.MustRelease(ctx)

	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ = h.auth.counts()
	assert.Equal(t, 0, renews, "only the latest status decides")
	status := h.svc.Status()
	assert.False(t, status.Owner)
	assert.Equal(t, leadership.StatusFollower, status.Leadership)
	assert.Equal(t, float64(1), attempts(h, resultSkipped))

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestBecomingLeaderRenewsImmediately(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.MultiInstanceEnabled = true
	h := newHarness(t, cfg, nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	h.tracker.Set(leadership.StatusLeader)
	call.MustRelease(ctx)

	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ := h.auth.counts()
	assert.Equal(t, 1, renews)
	assert.Equal(t, uint64(2), h.svc.CurrentSnapshotVersion())
	assert.True(t, h.svc.Status().Owner)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestLeadershipEventKeepsDeadlineForExistingOwner(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	h.clock.Advance(time.Hour).MustWait(ctx)
	h.tracker.Set(leadership.StatusLeader)

	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay-time.Hour, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ := h.auth.counts()
	assert.Equal(t, 1, renews)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestWorkerNeverRenews(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.Role = RoleWorker
	h := newHarness(t, cfg, nil)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)

	renews, _, reloads := h.auth.counts()
	assert.Equal(t, 0, renews)
	assert.Equal(t, 1, reloads)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestRenewalDelayFollowsSnapshotExpiry(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{}
	cfg := testConfig()
	h := newHarness(t, cfg, auth)
	auth.renewFn = func(context.Context, int) (licensing.Grant, error) {
		g := testGrant()
		g.ValidTo = h.clock.Now().Add(3 * time.Hour)
		return g, nil
	}
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	assert.Equal(t, 2*time.Hour, call.Duration, "renew one offset before the snapshot expires")
	call.MustRelease(ctx)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestTerminalFailureNearExpiryWaitsFullInterval(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{}
	h := newHarness(t, testConfig(), auth)
	auth.renewFn = func(_ context.Context, call int) (licensing.Grant, error) {
		if call == 1 {
			g := testGrant()
			g.ValidTo = h.clock.Now().Add(30 * time.Minute)
			return g, nil
		}
		return licensing.Grant{}, TerminalError(opRenew, errors.New("invalid certificate"))
	}
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	assert.Equal(t, time.Minute, call.Duration, "inside the expiry window renewal waits one backoff step")
	call.MustRelease(ctx)

	for i := 0; i < 2; i++ {
		h.clock.Advance(call.Duration).MustWait(ctx)
		call = trap.MustWait(ctx)
		assert.Equal(t, normalDelay, call.Duration, "rejected renewals are not retried early")
		call.MustRelease(ctx)
	}

	renews, _, _ := h.auth.counts()
	assert.Equal(t, 3, renews)
	assert.Equal(t, float64(2), attempts(h, resultTerminal))
	assert.Equal(t, uint64(1), h.svc.CurrentSnapshotVersion())

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestNextDelayFloorsExpiryAtBackoffStep(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffMax = 10 * time.Minute
	h := newHarness(t, cfg, nil)
	now := h.clock.Now()

	assert.Equal(t, normalDelay, h.svc.scheduler.nextDelay(), "no snapshot keeps the normal delay")

	grant := testGrant()
	grant.ValidTo = now.Add(5 * time.Hour)
	require.True(t, h.svc.store.Replace(licensing.NewSnapshot(1, now, grant)))
	assert.Equal(t, 4*time.Hour, h.svc.scheduler.nextDelay())

	grant.ValidTo = now.Add(time.Hour + 3*time.Minute)
	require.True(t, h.svc.store.Replace(licensing.NewSnapshot(2, now, grant)))
	assert.Equal(t, 10*time.Minute, h.svc.scheduler.nextDelay())

	grant.ValidTo = now.Add(-time.Hour)
	require.True(t, h.svc.store.Replace(licensing.NewSnapshot(3, now, grant)))
	assert.Equal(t, 10*time.Minute, h.svc.scheduler.nextDelay(), "expired snapshots keep the floor")
}

func TestLeadershipChangeDuringRenewalIsHandledAfterwards(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuthority{
		renewFn: func(_ context.Context, call int) (licensing.Grant, error) {
			if call == 2 {
				close(started)
				<-release
			}
			return testGrant(), nil
		},
	}
	cfg := testConfig()
	cfg.MultiInstanceEnabled = true
	h := newHarness(t, cfg, auth)
	h.tracker.Set(leadership.StatusLeader)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)

	<-started
	assert.Equal(t, StateRenewing, h.svc.Status().State)
	h.tracker.Set(leadership.StatusFollower)
	close(release)

	// The finished renewal re-arms, then the queued change is evaluated.
	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)
	call = trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	renews, _, _ := h.auth.counts()
	assert.Equal(t, 2, renews)
	assert.Equal(t, float64(1), attempts(h, resultSkipped))
	assert.Equal(t, uint64(2), h.svc.CurrentSnapshotVersion())
	assert.False(t, h.svc.Status().Owner)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestActivateWaitsForInFlightRenewal(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuthority{
		renewFn: func(_ context.Context, call int) (licensing.Grant, error) {
			if call == 2 {
				close(started)
				<-release
			}
			return testGrant(), nil
		},
	}
	h := newHarness(t, testConfig(), auth)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)
	<-started

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Activate(ctx, "new-key")
	}()

	assert.Never(t, func() bool {
		_, activations, _ := h.auth.counts()
		return activations > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "activation must wait for the renewal to finish")

	close(release)
	require.NoError(t, <-errCh)
	trap.MustWait(ctx).MustRelease(ctx)

	renews, activations, _ := h.auth.counts()
	assert.Equal(t, 2, renews)
	assert.Equal(t, 1, activations)
	assert.Equal(t, uint64(3), h.svc.CurrentSnapshotVersion())

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestActivateHonorsCallerCancellation(t *testing.T) {
	ctx := testContext(t)
	entered := make(chan struct{})
	auth := &fakeAuthority{
		activateFn: func(ctx context.Context, _ string) (licensing.Grant, error) {
			close(entered)
			<-ctx.Done()
			return licensing.Grant{}, ctx.Err()
		},
		reloadFn: func(ctx context.Context) (licensing.Grant, error) {
			return licensing.Grant{}, ctx.Err()
		},
	}
	h := newHarness(t, testConfig(), auth)

	activateCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Activate(activateCtx, "slow-key")
	}()
	<-entered
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, uint64(0), h.svc.CurrentSnapshotVersion())
	assert.Equal(t, float64(1), attempts(h, resultCanceled))

	reloadCtx, cancelReload := context.WithCancel(ctx)
	cancelReload()
	require.ErrorIs(t, h.svc.Reload(reloadCtx), context.Canceled)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestActivatePropagatesFailures(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{
		activateFn: func(_ context.Context, key string) (licensing.Grant, error) {
			if key != "good-key" {
				return licensing.Grant{}, TerminalError(opActivate, errors.New("invalid activation key"))
			}
			return testGrant(), nil
		},
	}
	h := newHarness(t, testConfig(), auth)

	require.ErrorIs(t, h.svc.Activate(ctx, ""), ErrEmptyActivation)

	err := h.svc.Activate(ctx, "bad-key")
	require.ErrorIs(t, err, ErrTerminalAuthority)
	assert.Equal(t, uint64(0), h.svc.CurrentSnapshotVersion())

	var changed []uint64
	var mu sync.Mutex
	h.svc.OnChange(func(s *licensing.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, s.Version())
	})

	require.NoError(t, h.svc.Activate(ctx, "good-key"))
	assert.Greater(t, h.svc.CurrentSnapshotVersion(), uint64(0))
	mu.Lock()
	assert.Equal(t, []uint64{h.svc.CurrentSnapshotVersion()}, changed)
	mu.Unlock()
	assert.Equal(t, []string{"bad-key", "good-key"}, auth.keys)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestReloadInstallsSnapshot(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)

	require.NoError(t, h.svc.Reload(ctx))
	assert.Equal(t, uint64(1), h.svc.CurrentSnapshotVersion())
	assert.Contains(t, h.svc.Info(), "plan=Enterprise")
	assert.Contains(t, h.svc.Info(), "version=1")

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestInfoBeforeLoad(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	assert.Equal(t, "n/a", h.svc.Info())
}

func TestInitContainsAuthorityFailures(t *testing.T) {
	ctx := testContext(t)
	auth := &fakeAuthority{
		renewFn: func(context.Context, int) (licensing.Grant, error) {
			return licensing.Grant{}, TerminalError(opRenew, errors.New("invalid certificate"))
		},
	}
	h := newHarness(t, testConfig(), auth)
	trap := h.clock.Trap().NewTimer("license", "renewal")
	defer trap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	assert.Equal(t, uint64(0), h.svc.CurrentSnapshotVersion())
	assert.True(t, h.svc.IsFeatureEnabled(licensing.FeatureSharing))

	call := trap.MustWait(ctx)
	assert.Equal(t, normalDelay, call.Duration)
	call.MustRelease(ctx)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestShutdownAbandonsSlowAttemptAfterGrace(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuthority{
		renewFn: func(_ context.Context, call int) (licensing.Grant, error) {
			if call == 2 {
				close(started)
				<-release
			}
			return testGrant(), nil
		},
	}
	h := newHarness(t, testConfig(), auth)
	renewTrap := h.clock.Trap().NewTimer("license", "renewal")
	defer renewTrap.Close()
	shutdownTrap := h.clock.Trap().NewTimer("license", "shutdown")
	defer shutdownTrap.Close()

	require.NoError(t, h.svc.Init(ctx, false))
	call := renewTrap.MustWait(ctx)
	call.MustRelease(ctx)
	h.clock.Advance(call.Duration).MustWait(ctx)
	<-started
	assert.Equal(t, StateRenewing, h.svc.Status().State)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Shutdown(ctx)
	}()
	grace := shutdownTrap.MustWait(ctx)
	assert.Equal(t, DefaultShutdownGrace, grace.Duration)
	grace.MustRelease(ctx)
	h.clock.Advance(DefaultShutdownGrace).MustWait(ctx)

	require.ErrorIs(t, <-errCh, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, h.svc.Status().State)
	assert.Equal(t, uint64(1), h.svc.CurrentSnapshotVersion())

	// The abandoned attempt is still newer than the store, so it applies.
	close(release)
	require.Eventually(t, func() bool {
		return h.svc.CurrentSnapshotVersion() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStopped, h.svc.Status().State)

	require.ErrorIs(t, h.svc.Init(ctx, false), ErrShutdown)
	require.ErrorIs(t, h.svc.Activate(ctx, "key"), ErrShutdown)
	require.NoError(t, h.svc.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdownWithoutInit(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Equal(t, StateStopped, h.svc.Status().State)
	require.ErrorIs(t, h.svc.Reload(ctx), ErrShutdown)
}

func TestApplyDiscardsStaleGrant(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	s := h.svc.scheduler

	s.apply(ctx, zerolog.Nop(), opRenew, 5, testGrant(), time.Millisecond)
	s.apply(ctx, zerolog.Nop(), opRenew, 4, licensing.Grant{PlanName: "Stale"}, time.Millisecond)

	assert.Equal(t, uint64(5), h.svc.CurrentSnapshotVersion())
	assert.Equal(t, "Enterprise", h.svc.PlanName())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.svc.metrics.staleTotal))
	assert.Equal(t, float64(1), attempts(h, resultStale))
}

func TestCertificateSavedAfterApply(t *testing.T) {
	ctx := testContext(t)
	saved := make(chan string, 1)
	auth := &fakeAuthority{}
	svc, err := NewService(testConfig(), Deps{
		Authority: auth,
		Saver: CertificateSaverFunc(func(_ context.Context, cert string) error {
			saved <- cert
			return nil
		}),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Reload(ctx))
	select {
	case cert := <-saved:
		assert.Equal(t, "cert-1", cert)
	case <-ctx.Done():
		t.Fatal("certificate was not saved")
	}
	require.NoError(t, svc.Shutdown(ctx))
}

func TestManagementTokenTracksSnapshot(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.svc.Reload(ctx))

	raw, err := h.svc.IssueManagementToken()
	require.NoError(t, err)
	claims, err := ParseManagementToken(raw, HMACSigner([]byte("test-secret")),
		jwt.WithTimeFunc(func() time.Time { return h.clock.Now() }))
	require.NoError(t, err)
	assert.Equal(t, h.svc.CurrentSnapshotVersion(), claims.Version)

	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(testConfig(), Deps{})
	require.Error(t, err)

	cfg := testConfig()
	cfg.Role = "scheduler"
	_, err = NewService(cfg, Deps{Authority: &fakeAuthority{}})
	require.Error(t, err)
}
