package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ledgerline/session-core/internal/authclient"
	"github.com/ledgerline/session-core/internal/broadcast"
	"github.com/ledgerline/session-core/internal/permsync"
	"github.com/ledgerline/session-core/internal/session"
)

// ChangeKind classifies a session change delivered to listeners.
type ChangeKind string

// Change kinds.
const (
	ChangeLogin       ChangeKind = "login"
	ChangeLogout      ChangeKind = "logout"
	ChangeRenewed     ChangeKind = "renewed"
	ChangePermissions ChangeKind = "permissions"
)

// Change is the event handed to registered listeners. The host UI
// re-renders from it: Session carries the signed-in state (nil after a
// logout) and Permissions the effective page allow-list.
type Change struct {
	Kind        ChangeKind
	Session     *session.Session
	Permissions []string

	// PeerUser is set for login events relayed by a cooperating app whose
	// storage this context cannot read. Only the payload is known.
	PeerUser *broadcast.LoginPayload

	// Cause carries the error behind a forced logout, nil otherwise.
	Cause error
}

// Listener receives session changes. Listeners run on the agent's
// goroutines and should hand work off quickly.
type Listener func(Change)

// AuthService is the slice of the auth client the agent needs directly.
// Renewal goes through the scheduler, not here.
type AuthService interface {
	Login(ctx context.Context, email, password string) (*authclient.LoginResult, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Scheduler drives session renewal.
type Scheduler interface {
	Arm(sess *session.Session)
	Stop()
	Renew(ctx context.Context) (*session.Session, error)
	SetOnRefreshed(fn func(*session.Session))
	SetOnTerminal(fn func(error))
}

// Broadcaster propagates session events to other contexts.
type Broadcaster interface {
	Start(ctx context.Context) error
	Close()
	Announce(ctx context.Context, kind broadcast.Kind, payload any) error
	Subscribe(handler broadcast.Handler)
}

// Synchronizer reconciles permission lists into the store.
type Synchronizer interface {
	Reconcile(ctx context.Context, role string) (*permsync.Result, error)
	ApplyUpdate(ctx context.Context, role string, pages []string) (*permsync.Result, error)
}

// Logger is the minimal logging interface the agent needs.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config identifies this agent within the deployment.
type Config struct {
	ContextID string
	AppID     string
}

// Deps are the collaborators the agent composes.
type Deps struct {
	Store        *session.Store
	Auth         AuthService
	Scheduler    Scheduler
	Broadcaster  Broadcaster
	Synchronizer Synchronizer
	HTTPClient   *http.Client
	Logger       Logger
}

// Agent is the session facade for one execution context.
type Agent struct {
	cfg    Config
	store  *session.Store
	auth   AuthService
	sched  Scheduler
	bcast  Broadcaster
	sync   Synchronizer
	client *http.Client
	logger Logger

	mu        sync.Mutex
	listeners []Listener
}

// New wires an Agent from its collaborators. Call Start before use.
func New(cfg Config, deps Deps) *Agent {
	a := &Agent{
		cfg:    cfg,
		store:  deps.Store,
		auth:   deps.Auth,
		sched:  deps.Scheduler,
		bcast:  deps.Broadcaster,
		sync:   deps.Synchronizer,
		client: deps.HTTPClient,
		logger: deps.Logger,
	}
	a.sched.SetOnRefreshed(a.handleRefreshed)
	a.sched.SetOnTerminal(a.handleTerminal)
	a.bcast.Subscribe(a.handleBroadcast)
	return a
}

// OnChange registers a listener for session changes.
func (a *Agent) OnChange(listener Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()
}

// HTTPClient returns the gatekept client the host application uses for
// API calls. Credentials and renewal are handled transparently.
func (a *Agent) HTTPClient() *http.Client {
	return a.client
}

// Start begins listening for events from other contexts and resumes a
// persisted session when one exists: a live session re-arms the renewal
// timer, an expired one with a refresh token triggers an immediate renewal.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.bcast.Start(ctx); err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	sess, err := a.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading persisted session: %w", err)
	}
	switch {
	case sess == nil:
		a.logger.Info("no persisted session, starting signed out")
	case !sess.Expired(time.Now()):
		a.logger.Info("resuming persisted session", "user", sess.User.ID)
		a.sched.Arm(sess)
	case sess.RefreshToken != "":
		a.logger.Info("persisted session expired, renewing", "user", sess.User.ID)
		go func() {
			if _, err := a.sched.Renew(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("startup renewal failed", "error", err)
			}
		}()
	default:
		a.logger.Info("persisted session expired with no refresh token, clearing")
		if err := a.store.Clear(ctx); err != nil {
			a.logger.Error("clearing stale session", "error", err)
		}
	}
	return nil
}

// Close stops background activity. The persisted session is left intact
// so the next start resumes it.
func (a *Agent) Close() {
	a.bcast.Close()
	a.sched.Stop()
}

// Login authenticates, persists the session, arms renewal, reconciles the
// live permission list for the user's primary role, and announces the
// sign-in to other contexts.
func (a *Agent) Login(ctx context.Context, email, password string) (*session.Session, error) {
	result, err := a.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresInSeconds) * time.Second),
		User:         result.User,
	}
	if err := a.store.Write(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	a.sched.Arm(sess)

	// The live permission list is fetched eagerly so the first render is
	// already correct. A failed fetch falls back to the static assignment.
	if role := primaryRole(sess); role != "" {
		if res, err := a.sync.Reconcile(ctx, role); err != nil {
			a.logger.Warn("initial permission reconcile failed, using static assignment",
				"role", role, "error", err)
		} else if res.Changed {
			if refreshed, err := a.store.Read(ctx); err == nil && refreshed != nil {
				sess = refreshed
			}
		}
	}

	a.announce(ctx, broadcast.KindLogin, &broadcast.LoginPayload{
		UserID: sess.User.ID,
		Email:  sess.User.Email,
		Roles:  sess.User.Roles,
	})

	a.logger.Info("signed in", "user", sess.User.ID, "roles", sess.User.Roles)
	a.notify(Change{Kind: ChangeLogin, Session: sess, Permissions: sess.User.EffectivePermissions()})
	return sess, nil
}

// Logout revokes the refresh token (best effort), tears the local session
// down, and announces the sign-out. Idempotent when signed out.
func (a *Agent) Logout(ctx context.Context) error {
	sess, err := a.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading session for logout: %w", err)
	}
	if sess == nil {
		return nil
	}

	if sess.RefreshToken != "" {
		if err := a.auth.Logout(ctx, sess.RefreshToken); err != nil {
			a.logger.Warn("server-side logout failed, continuing local teardown", "error", err)
		}
	}

	a.sched.Stop()
	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	a.announce(ctx, broadcast.KindLogout, nil)

	a.logger.Info("signed out", "user", sess.User.ID)
	a.notify(Change{Kind: ChangeLogout})
	return nil
}

// RefreshPermissions re-fetches the live permission list for the user's
// primary role. When the list changed, the update is relayed to other
// contexts with the list embedded so they skip the redundant fetch.
func (a *Agent) RefreshPermissions(ctx context.Context) error {
	sess, err := a.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if sess == nil {
		return nil
	}
	role := primaryRole(sess)
	if role == "" {
		return nil
	}

	res, err := a.sync.Reconcile(ctx, role)
	if err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}

	a.announce(ctx, broadcast.KindPermissionUpdate, &broadcast.PermissionUpdatePayload{
		Role:  res.Role,
		Pages: res.Pages,
	})
	a.notify(Change{Kind: ChangePermissions, Permissions: res.Permissions})
	return nil
}

// handleRefreshed reacts to a successful renewal by the scheduler.
func (a *Agent) handleRefreshed(sess *session.Session) {
	a.notify(Change{Kind: ChangeRenewed, Session: sess, Permissions: sess.User.EffectivePermissions()})
}

// handleTerminal reacts to a terminal refresh failure: the scheduler has
// already cleared the store and stopped the timer; the agent announces the
// forced logout and tells the host to drop to the sign-in screen.
func (a *Agent) handleTerminal(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.announce(ctx, broadcast.KindLogout, nil)

	a.logger.Warn("session terminated, forcing sign-out", "cause", cause)
	a.notify(Change{Kind: ChangeLogout, Cause: cause})
}

// handleBroadcast reacts to session events from other contexts.
func (a *Agent) handleBroadcast(msg *broadcast.Message, source broadcast.Source) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Kind {
	case broadcast.KindLogin:
		a.handlePeerLogin(ctx, msg, source)
	case broadcast.KindLogout:
		a.handlePeerLogout(ctx, source)
	case broadcast.KindPermissionUpdate:
		a.handlePeerPermissionUpdate(ctx, msg, source)
	default:
		a.logger.Debug("ignoring unknown broadcast kind", "kind", msg.Kind)
	}
}

// handlePeerLogin reacts to a sign-in elsewhere. A sibling context shares
// this store, so the authoritative state is re-read from it; a peer app's
// payload is all this context gets.
func (a *Agent) handlePeerLogin(ctx context.Context, msg *broadcast.Message, source broadcast.Source) {
	if source == broadcast.SourceApp {
		payload, err := broadcast.DecodeLogin(msg)
		if err != nil {
			a.logger.Warn("malformed login notification", "error", err)
			return
		}
		a.notify(Change{Kind: ChangeLogin, PeerUser: payload})
		return
	}

	sess, err := a.store.Read(ctx)
	if err != nil || sess == nil {
		a.logger.Warn("login notification but no readable session", "error", err)
		return
	}
	a.sched.Arm(sess)
	a.notify(Change{Kind: ChangeLogin, Session: sess, Permissions: sess.User.EffectivePermissions()})
}

// handlePeerLogout reacts to a sign-out elsewhere. A sibling context has
// already cleared the shared store; a peer app's sign-out clears this
// profile's session too (single sign-out across the suite).
func (a *Agent) handlePeerLogout(ctx context.Context, source broadcast.Source) {
	a.sched.Stop()
	if source == broadcast.SourceApp {
		if err := a.store.Clear(ctx); err != nil {
			a.logger.Error("clearing session after peer app logout", "error", err)
		}
	}
	a.notify(Change{Kind: ChangeLogout})
}

// handlePeerPermissionUpdate reacts to a permission change elsewhere. A
// sibling context already wrote the new list into the shared store, so the
// store is re-read and the UI notified; a peer app's relayed list is
// applied locally, skipping the redundant service fetch.
func (a *Agent) handlePeerPermissionUpdate(ctx context.Context, msg *broadcast.Message, source broadcast.Source) {
	payload, err := broadcast.DecodePermissionUpdate(msg)
	if err != nil {
		a.logger.Warn("malformed permission update notification", "error", err)
		return
	}

	if source == broadcast.SourceProfile {
		sess, err := a.store.Read(ctx)
		if err != nil || sess == nil {
			return
		}
		if !sess.User.HasRole(payload.Role) {
			return
		}
		a.notify(Change{Kind: ChangePermissions, Permissions: sess.User.EffectivePermissions()})
		return
	}

	res, err := a.sync.ApplyUpdate(ctx, payload.Role, payload.Pages)
	if err != nil {
		a.logger.Error("applying relayed permission update", "role", payload.Role, "error", err)
		return
	}
	if res.Changed {
		a.notify(Change{Kind: ChangePermissions, Permissions: res.Permissions})
	}
}

// announce publishes a session event, logging failures. Announcement
// failures never abort the local operation that triggered them.
func (a *Agent) announce(ctx context.Context, kind broadcast.Kind, payload any) {
	if err := a.bcast.Announce(ctx, kind, payload); err != nil {
		a.logger.Warn("announcing session event", "kind", kind, "error", err)
	}
}

// notify delivers a change to every registered listener.
func (a *Agent) notify(change Change) {
	a.mu.Lock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}

// primaryRole is the role whose live permission list gates the UI.
func primaryRole(sess *session.Session) string {
	if len(sess.User.Roles) == 0 {
		return ""
	}
	return sess.User.Roles[0]
}
