package license

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Bakeneko/n8n/internal/license/leadership"
	"github.com/Bakeneko/n8n/pkg/licensing"
)

// State is the renewal scheduler state.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRenewing  State = "renewing"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

const (
	opRenew    = "renew"
	opActivate = "activate"
	opReload   = "reload"
)

// Consecutive transient failures logged at debug before escalating to warn.
const failureWarnThreshold = 3

// Scheduler drives renewal of the entitlement snapshot. It owns the renewal
// timer, the backoff state and the single in-flight attempt slot; the
// snapshot itself belongs to the Store.
type Scheduler struct {
	cfg       Config
	store     *Store
	authority Authority
	signal    leadership.Signal
	saver     CertificateSaver
	clock     quartz.Clock
	metrics   *RenewalMetrics
	logger    zerolog.Logger

	// slot admits one authority call at a time across the loop and the
	// explicit lifecycle calls.
	slot *semaphore.Weighted
	// lastVersion is the highest version handed to an attempt.
	lastVersion atomic.Uint64
	// wake carries leadership changes. It holds at most one pending event,
	// so a burst of changes collapses into a single re-evaluation.
	wake chan struct{}

	// initMu serializes Init calls.
	initMu sync.Mutex

	mu            sync.Mutex
	state         State
	started       bool
	stopping      bool
	cancel        context.CancelFunc
	loopDone      chan struct{}
	inflight      chan struct{}
	unsubscribe   func()
	owner         bool
	failures      int
	lastRenewalAt time.Time
	lastError     string
	nextAttemptAt time.Time
	onChange      []func(*licensing.Snapshot)
}

// NewScheduler creates an idle scheduler. Nothing runs until Init. Only the
// authority, leadership, saver, clock and logger fields of deps are used.
func NewScheduler(cfg Config, store *Store, deps Deps, metrics *RenewalMetrics) *Scheduler {
	signal := deps.Leadership
	if signal == nil {
		signal = leadership.NewTracker()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	if metrics == nil {
		metrics = NewRenewalMetrics(nil)
	}
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		store:     store,
		authority: deps.Authority,
		signal:    signal,
		saver:     deps.Saver,
		clock:     clock,
		metrics:   metrics,
		logger:    deps.Logger,
		slot:      semaphore.NewWeighted(1),
		wake:      make(chan struct{}, 1),
		state:     StateIdle,
	}
	s.lastVersion.Store(store.Version())
	return s
}

// OnChange registers fn to run after every applied snapshot.
func (s *Scheduler) OnChange(fn func(*licensing.Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// decide evaluates the leadership gate against a fresh leadership status.
func (s *Scheduler) decide() (bool, string) {
	status := s.signal.Status()
	return ShouldRenew(s.cfg.Role, s.cfg.MultiInstanceEnabled, status, s.cfg.AutoRenewEnabled),
		skipReason(s.cfg.Role, s.cfg.MultiInstanceEnabled, status, s.cfg.AutoRenewEnabled)
}

// notify receives leadership changes. It never blocks the signal.
func (s *Scheduler) notify(leadership.Status) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Init performs one synchronous attempt and then starts the renewal loop.
// Owners renew; everyone else reloads the shared certificate. A failed
// attempt is logged and the instance keeps serving its last snapshot.
//
// Init is a no-op once started unless force is set, in which case the
// running loop is stopped and the whole path runs again.
func (s *Scheduler) Init(ctx context.Context, force bool) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.started && !force {
		s.mu.Unlock()
		return nil
	}
	cancel, done, unsubscribe := s.cancel, s.loopDone, s.unsubscribe
	s.cancel, s.loopDone, s.unsubscribe = nil, nil, nil
	s.started = false
	s.failures = 0
	s.mu.Unlock()

	if cancel != nil {
		unsubscribe()
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Subscribe before deciding so a change during the first attempt still
	// reaches the loop.
	unsubscribe = s.signal.Subscribe(s.notify)

	owner, reason := s.decide()
	var renewErr error
	if owner {
		renewErr = s.attempt(ctx, opRenew, s.renewCall)
		if errors.Is(renewErr, ErrShutdown) {
			unsubscribe()
			return renewErr
		}
	} else {
		s.logger.Debug().Str("reason", reason).Msg("Not the renewal owner, reloading license")
		if err := s.attempt(ctx, opReload, s.authority.Reload); errors.Is(err, ErrShutdown) {
			unsubscribe()
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		unsubscribe()
		return ErrShutdown
	}
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	loopDone := make(chan struct{})
	s.owner = owner
	s.started = true
	s.cancel = loopCancel
	s.loopDone = loopDone
	s.unsubscribe = unsubscribe

	go s.run(loopCtx, loopDone, renewErr)
	return nil
}

// Activate exchanges key for a fresh snapshot. Unlike the scheduled paths it
// reports failures to the caller.
func (s *Scheduler) Activate(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyActivation
	}
	return s.attempt(ctx, opActivate, func(ctx context.Context) (licensing.Grant, error) {
		return s.authority.Activate(ctx, key)
	})
}

// Reload re-reads the current certificate from the authority without
// renewing it.
func (s *Scheduler) Reload(ctx context.Context) error {
	return s.attempt(ctx, opReload, s.authority.Reload)
}

// Shutdown stops the timer and waits up to the shutdown grace for an
// in-flight attempt. An attempt still running after that is abandoned; its
// result applies later only if it is newer than what the store holds.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel, done, unsubscribe := s.cancel, s.loopDone, s.unsubscribe
	inflight := s.inflight
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	grace := s.clock.NewTimer(s.cfg.ShutdownGrace, "license", "shutdown")
	defer grace.Stop()

	var err error
	for _, ch := range []chan struct{}{done, inflight} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-grace.C:
			s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("License renewal still in flight at shutdown, abandoning it")
			err = context.DeadlineExceeded
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.nextAttemptAt = time.Time{}
	s.mu.Unlock()

	s.logger.Debug().Msg("License coordinator shut down")
	return err
}

func (s *Scheduler) renewCall(ctx context.Context) (licensing.Grant, error) {
	return s.authority.Renew(ctx, s.cfg.InstanceID, s.cfg.TenantID)
}

// newBackoff builds the transient-failure backoff policy. Elapsed-time
// limits are disabled; the scheduler retries for as long as it owns renewal.
func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = s.cfg.BackoffJitter
	b.MaxElapsedTime = 0
	b.Clock = backoff.SystemClock
	b.Reset()
	return b
}

// nextDelay is the normal delay until the next renewal, shortened when the
// current snapshot expires sooner than a full interval. A shortened delay is
// never below one full backoff step, so a snapshot inside its expiry window
// does not renew faster than a failing authority would be retried.
func (s *Scheduler) nextDelay() time.Duration {
	delay := s.cfg.renewalDelay()
	validTo := s.store.Read().ValidTo()
	if validTo.IsZero() {
		return delay
	}
	untilExpiry := validTo.Sub(s.clock.Now()) - s.cfg.AutoRenewOffset
	if untilExpiry >= delay {
		return delay
	}
	floor := min(delay, max(s.cfg.MinRenewalDelay, s.cfg.BackoffMax))
	return max(untilExpiry, floor)
}

func (s *Scheduler) arm(state State, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.state = state
	s.nextAttemptAt = s.clock.Now().Add(delay)
}

// run is the renewal loop. initErr is the outcome of the renewal made by
// Init, if any, and decides whether the loop starts in backoff.
func (s *Scheduler) run(ctx context.Context, done chan struct{}, initErr error) {
	defer close(done)

	b := s.newBackoff()
	state, delay := s.schedule(initErr, b)

	for {
		if ctx.Err() != nil {
			return
		}

		// Leadership changes are not acted on mid-backoff; the gate is
		// checked again when the backoff delay elapses.
		wake := s.wake
		if state == StateBackoff {
			wake = nil
		}

		deadline := s.clock.Now().Add(delay)
		timer := s.clock.NewTimer(delay, "license", "renewal")
		fired := false
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fired = true
		case <-wake:
			timer.Stop()
		}

		// A change that arrived alongside the timer is covered by this tick.
		select {
		case <-s.wake:
		default:
		}

		state, delay = s.tick(ctx, fired, deadline, b)
	}
}

// tick makes one ownership decision and, if this instance owns renewal,
// one attempt. It returns the next state and the delay to arm.
func (s *Scheduler) tick(ctx context.Context, fired bool, deadline time.Time, b *backoff.ExponentialBackOff) (State, time.Duration) {
	owner, reason := s.decide()

	s.mu.Lock()
	wasOwner := s.owner
	s.owner = owner
	s.mu.Unlock()

	if !owner {
		s.metrics.recordSkip()
		if reason == "leadership_unset" {
			s.logger.Debug().Err(ErrLeadershipUnknown).Msg("Skipping license renewal")
		} else {
			s.logger.Debug().Str("reason", reason).Msg("Skipping license renewal")
		}
		b.Reset()
		delay := s.nextDelay()
		s.arm(StateScheduled, delay)
		return StateScheduled, delay
	}

	if !fired && wasOwner {
		// Still the owner: keep the deadline already armed.
		delay := deadline.Sub(s.clock.Now())
		if delay < 0 {
			delay = 0
		}
		return StateScheduled, delay
	}

	err := s.attempt(ctx, opRenew, s.renewCall)
	if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
		return StateStopped, 0
	}
	return s.schedule(err, b)
}

// schedule arms the timer after a renewal outcome. Transient failures back
// off, never sooner than the authority's retry hint. Terminal failures wait
// the full renewal delay regardless of how close the snapshot is to expiry;
// everything else waits nextDelay.
func (s *Scheduler) schedule(err error, b *backoff.ExponentialBackOff) (State, time.Duration) {
	kind, retryAfter := Classify(err)
	if err != nil && kind == FailureTransient {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.BackoffMax
		}
		if retryAfter > delay {
			delay = retryAfter
		}
		s.arm(StateBackoff, delay)
		return StateBackoff, delay
	}
	b.Reset()
	var delay time.Duration
	if err != nil && kind == FailureTerminal {
		delay = s.cfg.renewalDelay()
	} else {
		delay = s.nextDelay()
	}
	s.arm(StateScheduled, delay)
	return StateScheduled, delay
}

// attempt runs one authority call in the single in-flight slot and applies
// the result. The version is reserved before the call, so an attempt that
// started later always wins over one that finishes later.
func (s *Scheduler) attempt(ctx context.Context, op string, call func(context.Context) (licensing.Grant, error)) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slot.Release(1)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShutdown
	}
	finished := make(chan struct{})
	s.inflight = finished
	prevState := s.state
	s.state = StateRenewing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = nil
		if s.state == StateRenewing {
			s.state = prevState
		}
		s.mu.Unlock()
		close(finished)
	}()

	version := s.lastVersion.Add(1)
	logger := s.logger.With().
		Str("attempt", ulid.Make().String()).
		Str("op", op).
		Uint64("version", version).
		Logger()

	// A renewal runs to completion once started, even if the loop is
	// canceled; Shutdown's grace bounds it. Explicit calls honor ctx.
	callCtx := ctx
	if op == opRenew {
		callCtx = context.WithoutCancel(ctx)
	}
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	start := s.clock.Now()
	grant, err := call(callCtx)
	elapsed := s.clock.Since(start)
	if err != nil {
		s.recordFailure(logger, op, err, elapsed)
		return err
	}

	s.apply(ctx, logger, op, version, grant, elapsed)
	return nil
}

func (s *Scheduler) recordFailure(logger zerolog.Logger, op string, err error, elapsed time.Duration) {
	kind, retryAfter := Classify(err)

	s.mu.Lock()
	s.lastError = err.Error()
	if op == opRenew && kind == FailureTransient {
		s.failures++
	}
	failures := s.failures
	s.mu.Unlock()

	switch kind {
	case FailureTerminal:
		s.metrics.recordAttempt(resultTerminal, elapsed)
		logger.Warn().Err(err).Msg("License authority rejected the request, keeping last known entitlements")
	case FailureCanceled:
		s.metrics.recordAttempt(resultCanceled, elapsed)
		logger.Debug().Err(err).Msg("License attempt canceled")
	default:
		s.metrics.recordAttempt(resultTransient, elapsed)
		event := logger.Debug()
		if failures >= failureWarnThreshold {
			event = logger.Warn()
		}
		event.Err(err).
			Int("failures", failures).
			Dur("retry_after", retryAfter).
			Msg("License authority call failed")
	}
}

func (s *Scheduler) apply(ctx context.Context, logger zerolog.Logger, op string, version uint64, grant licensing.Grant, elapsed time.Duration) {
	now := s.clock.Now()
	snap := licensing.NewSnapshot(version, now, grant)
	if !s.store.Replace(snap) {
		s.metrics.recordAttempt(resultStale, elapsed)
		s.metrics.recordStale()
		logger.Debug().
			Err(ErrStaleReplace).
			Uint64("current_version", s.store.Version()).
			Msg("Discarding license snapshot")
		return
	}
	s.metrics.recordAttempt(resultSuccess, elapsed)
	s.metrics.recordApplied(version, now)

	s.mu.Lock()
	s.lastRenewalAt = now
	s.lastError = ""
	s.failures = 0
	callbacks := append([]func(*licensing.Snapshot){}, s.onChange...)
	saver := s.saver
	s.mu.Unlock()

	logger.Info().
		Str("plan", snap.PlanName()).
		Time("valid_to", snap.ValidTo()).
		Msgf("License %s applied", op)

	s.saveCertificate(ctx, saver, grant.Certificate, version)
	for _, fn := range callbacks {
		fn(snap)
	}
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	State               State             `json:"state"`
	Owner               bool              `json:"owner"`
	Leadership          leadership.Status `json:"leadership"`
	Version             uint64            `json:"version"`
	LastRenewalAt       *time.Time        `json:"last_renewal_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	NextAttemptAt       *time.Time        `json:"next_attempt_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Plan                string            `json:"plan"`
}

// Status returns the scheduler's current state. The owner field is the gate
// evaluated now, not the last decision.
func (s *Scheduler) Status() SchedulerStatus {
	owner, _ := s.decide()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Read()
	status := SchedulerStatus{
		State:               s.state,
		Owner:               owner,
		Leadership:          s.signal.Status(),
		Version:             snap.Version(),
		LastError:           s.lastError,
		ConsecutiveFailures: s.failures,
		Plan:                snap.PlanName(),
	}
	if status.Plan == "" {
		status.Plan = licensing.DefaultPlanName
	}
	if !s.lastRenewalAt.IsZero() {
		t := s.lastRenewalAt
		status.LastRenewalAt = &t
	}
	if !s.nextAttemptAt.IsZero() && s.state != StateStopped {
		t := s.nextAttemptAt
		status.NextAttemptAt = &t
	}
	return status
}
