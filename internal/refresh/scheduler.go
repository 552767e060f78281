package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/session-core/internal/authclient"
	"github.com/ledgerline/session-core/internal/session"
)

// State is the scheduler's lifecycle state.
type State int

// Scheduler states.
const (
	// StateIdle means no session is established and no timer is armed.
	StateIdle State = iota

	// StateScheduled means a renewal timer is armed for the current session.
	StateScheduled

	// StateRefreshing means a refresh network call is in flight.
	StateRefreshing

	// StateLoggedOut means a terminal failure tore the session down.
	// Arm() leaves this state when a new session is established.
	StateLoggedOut
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transientRetryDelay is the backoff base before the single retry of a
// transient refresh failure.
const transientRetryDelay = 500 * time.Millisecond

// ErrNoSession is returned by Renew when there is nothing to renew.
var ErrNoSession = errors.New("refresh: no session to renew")

// AuthService is the slice of the auth client the scheduler needs.
type AuthService interface {
	Refresh(ctx context.Context, refreshToken string) (*authclient.RefreshResult, error)
}

// Logger is the minimal logging interface the scheduler needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config contains renewal timing parameters.
type Config struct {
	// SafetyMargin is how long before expiry the proactive refresh runs.
	SafetyMargin time.Duration

	// MinDelay is the floor for the renewal timer.
	MinDelay time.Duration
}

// Scheduler drives proactive and on-demand session renewal.
//
// All methods are safe for concurrent use. The single hard guarantee is
// single-flight renewal: while one refresh network call is outstanding,
// every further Renew call attaches to it instead of issuing another.
type Scheduler struct {
	store  *session.Store
	auth   AuthService
	clock  Clock
	cfg    Config
	logger Logger

	flight singleflight.Group

	mu         sync.Mutex
	state      State
	timer      Timer
	generation uint64

	onRefreshed func(*session.Session)
	onTerminal  func(error)
}

// NewScheduler creates a scheduler over the given store and auth service.
func NewScheduler(store *session.Store, auth AuthService, clock Clock, cfg Config, logger Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		auth:   auth,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
	}
}

// SetOnRefreshed registers a callback invoked after every successful
// renewal with the updated session. Set before the first Arm.
func (s *Scheduler) SetOnRefreshed(fn func(*session.Session)) {
	s.mu.Lock()
	s.onRefreshed = fn
	s.mu.Unlock()
}

// SetOnTerminal registers a callback invoked once per terminal failure,
// after the store has been cleared and the timer cancelled. The owning
// agent uses it to announce the logout and notify the UI. Set before the
// first Arm.
func (s *Scheduler) SetOnTerminal(fn func(error)) {
	s.mu.Lock()
	s.onTerminal = fn
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delay computes the timer delay for a session expiring at the given time:
// the safety margin before expiry, floored at MinDelay.
func (s *Scheduler) Delay(expiresAt time.Time) time.Duration {
	delay := expiresAt.Sub(s.clock.Now()) - s.cfg.SafetyMargin
	if delay < s.cfg.MinDelay {
		return s.cfg.MinDelay
	}
	return delay
}

// Arm schedules proactive renewal for the given session, replacing any
// previously armed timer. A timer armed for an earlier session can never
// act after Arm returns: its generation is stale.
func (s *Scheduler) Arm(sess *session.Session) {
	delay := s.Delay(sess.ExpiresAt)

	s.mu.Lock()
	s.stopTimerLocked()
	s.generation++
	gen := s.generation
	s.state = StateScheduled
	s.timer = s.clock.AfterFunc(delay, func() { s.timerFired(gen) })
	s.mu.Unlock()

	s.logger.Info("renewal timer armed",
		"delay", delay.String(),
		"expires_at", sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
}

// Stop cancels any pending renewal timer and returns the scheduler to
// Idle. Called on explicit logout; after Stop, no timer fires until the
// next Arm.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.generation++
	if s.state != StateLoggedOut {
		s.state = StateIdle
	}
}

// stopTimerLocked cancels the pending timer. Caller holds s.mu.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// timerFired handles the proactive renewal timer.
func (s *Scheduler) timerFired(gen uint64) {
	s.mu.Lock()
	stale := gen != s.generation || s.state != StateScheduled
	s.mu.Unlock()
	if stale {
		return
	}

	// Renew on a background context: the timer has no caller whose
	// cancellation should abort the renewal.
	if _, err := s.Renew(context.Background()); err != nil {
		s.logger.Warn("proactive renewal failed", "error", err)
	}
}

// Renew refreshes the session, collapsing concurrent callers into a
// single network call whose outcome all of them share.
//
// On success the store holds the new access token and expiry (and the
// rotated refresh token when the server supplied one), the timer is
// re-armed, and the updated session is returned. A transient failure is
// retried once with backoff; if the retry also fails, the timer is
// re-armed at the floor delay and the error is returned. A terminal
// failure runs the logout cascade and returns the terminal error.
func (s *Scheduler) Renew(ctx context.Context) (*session.Session, error) {
	result, err, _ := s.flight.Do("renew", func() (any, error) {
		return s.renewOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*session.Session), nil
}

// renewOnce performs one renewal round-trip. Only ever one execution at a
// time (guarded by the single-flight group).
func (s *Scheduler) renewOnce(callerCtx context.Context) (*session.Session, error) {
	s.mu.Lock()
	if s.state == StateLoggedOut {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	s.stopTimerLocked()
	s.state = StateRefreshing
	s.mu.Unlock()

	current, err := s.store.Read(callerCtx)
	if err != nil {
		s.setState(StateIdle)
		return nil, fmt.Errorf("reading session before refresh: %w", err)
	}
	if current == nil || current.RefreshToken == "" {
		s.setState(StateIdle)
		return nil, ErrNoSession
	}

	// The network call and the cascade run detached from the first
	// caller's context: waiters may abandon the flight, the teardown of a
	// terminal failure must still complete.
	ctx := context.WithoutCancel(callerCtx)

	result, err := retry.DoWithData(
		func() (*authclient.RefreshResult, error) {
			return s.auth.Refresh(ctx, current.RefreshToken)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(transientRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, authclient.ErrNetwork) }),
		retry.OnRetry(func(_ uint, err error) {
			s.logger.Warn("transient refresh failure, retrying", "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, authclient.ErrRefreshTokenInvalid) {
			s.terminalLogout(ctx, err)
			return nil, err
		}
		// Transient failure even after the retry: keep the session and
		// try again at the floor delay.
		s.logger.Warn("renewal failed, rescheduling", "error", err)
		s.Arm(current)
		return nil, err
	}

	updated, err := s.applyRefresh(ctx, result)
	if err != nil {
		s.setState(StateIdle)
		return nil, err
	}

	s.Arm(updated)

	s.mu.Lock()
	onRefreshed := s.onRefreshed
	s.mu.Unlock()
	if onRefreshed != nil {
		onRefreshed(updated)
	}

	s.logger.Info("session renewed",
		"expires_at", updated.ExpiresAt.UTC().Format(time.RFC3339),
		"refresh_token_rotated", result.RefreshToken != "",
	)
	return updated, nil
}

// applyRefresh writes the refresh result through the store's
// read-modify-write path, so a sibling context's interleaved write (for
// example a permission update) is not lost.
func (s *Scheduler) applyRefresh(ctx context.Context, result *authclient.RefreshResult) (*session.Session, error) {
	var updated *session.Session
	err := s.store.Update(ctx, func(current *session.Session) (*session.Session, error) {
		if current == nil {
			return nil, ErrNoSession
		}
		next := current.Clone()
		next.AccessToken = result.AccessToken
		next.ExpiresAt = s.clock.Now().Add(time.Duration(result.ExpiresInSeconds) * time.Second)
		if result.RefreshToken != "" {
			next.RefreshToken = result.RefreshToken
		}
		updated = next
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting refreshed session: %w", err)
	}
	return updated, nil
}

// terminalLogout runs the forced logout cascade for a terminal refresh
// failure: timer cancelled, state LoggedOut, store cleared, terminal
// callback fired.
func (s *Scheduler) terminalLogout(ctx context.Context, cause error) {
	s.mu.Lock()
	s.stopTimerLocked()
	s.generation++
	s.state = StateLoggedOut
	onTerminal := s.onTerminal
	s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("clearing session after terminal refresh failure", "error", err)
	}

	s.logger.Warn("session terminated", "cause", cause)

	if onTerminal != nil {
		onTerminal(cause)
	}
}

// setState transitions to the given state under the lock.
func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
