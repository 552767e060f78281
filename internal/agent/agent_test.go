package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ledgerline/session-core/internal/authclient"
	"github.com/ledgerline/session-core/internal/broadcast"
	"github.com/ledgerline/session-core/internal/infrastructure/database"
	"github.com/ledgerline/session-core/internal/infrastructure/logging"
	"github.com/ledgerline/session-core/internal/permsync"
	"github.com/ledgerline/session-core/internal/session"
)

// fakeAuth serves a scripted login result.
type fakeAuth struct {
	mu          sync.Mutex
	loginResult *authclient.LoginResult
	loginErr    error
	logoutCalls int
	logoutErr   error
}

func (f *fakeAuth) Login(_ context.Context, _, _ string) (*authclient.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginResult, nil
}

func (f *fakeAuth) Logout(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

// fakeScheduler records lifecycle calls and exposes the callbacks.
type fakeScheduler struct {
	mu          sync.Mutex
	armed       []*session.Session
	stopCalls   int
	renewCalls  int
	onRefreshed func(*session.Session)
	onTerminal  func(error)
}

func (f *fakeScheduler) Arm(sess *session.Session) {
	f.mu.Lock()
	f.armed = append(f.armed, sess)
	f.mu.Unlock()
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

func (f *fakeScheduler) Renew(_ context.Context) (*session.Session, error) {
	f.mu.Lock()
	f.renewCalls++
	f.mu.Unlock()
	return nil, errors.New("not implemented")
}

func (f *fakeScheduler) SetOnRefreshed(fn func(*session.Session)) { f.onRefreshed = fn }
func (f *fakeScheduler) SetOnTerminal(fn func(error))             { f.onTerminal = fn }

func (f *fakeScheduler) armedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

// fakeBroadcaster records announcements and lets tests inject inbound
// messages through the subscribed handler.
type fakeBroadcaster struct {
	mu        sync.Mutex
	announced []broadcast.Kind
	payloads  []any
	handler   broadcast.Handler
}

func (f *fakeBroadcaster) Start(_ context.Context) error { return nil }
func (f *fakeBroadcaster) Close()                        {}

func (f *fakeBroadcaster) Announce(_ context.Context, kind broadcast.Kind, payload any) error {
	f.mu.Lock()
	f.announced = append(f.announced, kind)
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) Subscribe(handler broadcast.Handler) { f.handler = handler }

func (f *fakeBroadcaster) inject(t *testing.T, kind broadcast.Kind, payload any, source broadcast.Source) {
	t.Helper()
	msg, err := broadcast.NewMessage(kind, payload, "ctx-other", "orders")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	f.handler(msg, source)
}

func (f *fakeBroadcaster) kinds() []broadcast.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast.Kind(nil), f.announced...)
}

// fakeFetcher serves scripted permission lists.
type fakeFetcher struct {
	mu    sync.Mutex
	pages []string
	err   error
	calls int
}

func (f *fakeFetcher) RolePermissions(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.pages...), nil
}

// changeRecorder collects listener deliveries.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) last(t *testing.T) Change {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		t.Fatal("no changes recorded")
	}
	return r.changes[len(r.changes)-1]
}

func (r *changeRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d changes, have %d", n, r.count())
}

// fixture wires an agent with fake collaborators over a real store.
type fixture struct {
	agent   *Agent
	store   *session.Store
	auth    *fakeAuth
	sched   *fakeScheduler
	bcast   *fakeBroadcaster
	fetcher *fakeFetcher
	changes *changeRecorder
}

func openStore(t *testing.T, path string) *session.Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{
		Path:        path,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return session.NewStore(db.DB, logging.Discard())
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := openStore(t, filepath.Join(t.TempDir(), "profile.db"))
	f := &fixture{
		store: store,
		auth: &fakeAuth{loginResult: &authclient.LoginResult{
			AccessToken:      "T1",
			RefreshToken:     "R1",
			ExpiresInSeconds: 3600,
			User: session.User{
				ID:          "u-001",
				Email:       "agent@ledgerline.io",
				Roles:       []string{"agent"},
				Permissions: []string{"dashboard", "orders"},
			},
		}},
		sched:   &fakeScheduler{},
		bcast:   &fakeBroadcaster{},
		fetcher: &fakeFetcher{pages: []string{"dashboard"}},
		changes: &changeRecorder{},
	}
	f.agent = New(
		Config{ContextID: "ctx-a", AppID: "crm"},
		Deps{
			Store:        store,
			Auth:         f.auth,
			Scheduler:    f.sched,
			Broadcaster:  f.bcast,
			Synchronizer: permsync.New(store, f.fetcher, logging.Discard()),
			Logger:       logging.Discard(),
		},
	)
	f.agent.OnChange(f.changes.record)
	return f
}

func seedStore(t *testing.T, store *session.Store) *session.Session {
	t.Helper()
	sess := &session.Session{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    time.Now().Add(time.Hour),
		User: session.User{
			ID:          "u-001",
			Email:       "agent@ledgerline.io",
			Roles:       []string{"agent"},
			Permissions: []string{"dashboard", "orders"},
		},
	}
	if err := store.Write(context.Background(), sess); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return sess
}

func TestLogin_PersistsArmsAndAnnounces(t *testing.T) {
	f := newFixture(t)

	sess, err := f.agent.Login(context.Background(), "agent@ledgerline.io", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	stored, err := f.store.Read(context.Background())
	if err != nil || stored == nil {
		t.Fatalf("Read() = %v, %v, want persisted session", stored, err)
	}
	if stored.AccessToken != "T1" || stored.RefreshToken != "R1" {
		t.Errorf("stored tokens = %q/%q, want T1/R1", stored.AccessToken, stored.RefreshToken)
	}
	if f.sched.armedCount() != 1 {
		t.Errorf("armed = %d, want 1", f.sched.armedCount())
	}
	kinds := f.bcast.kinds()
	if len(kinds) != 1 || kinds[0] != broadcast.KindLogin {
		t.Errorf("announced = %v, want [login]", kinds)
	}

	// The live permission list narrows the static assignment.
	got := sess.User.EffectivePermissions()
	if len(got) != 1 || got[0] != "dashboard" {
		t.Errorf("effective permissions = %v, want [dashboard]", got)
	}
	change := f.changes.last(t)
	if change.Kind != ChangeLogin || len(change.Permissions) != 1 {
		t.Errorf("change = %+v, want login with reconciled permissions", change)
	}
}

func TestLogin_PermissionFetchFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("service unavailable")

	sess, err := f.agent.Login(context.Background(), "agent@ledgerline.io", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	got := sess.User.EffectivePermissions()
	if len(got) != 2 {
		t.Errorf("effective permissions = %v, want static assignment retained", got)
	}
}

func TestLogout_TearsDownAndAnnounces(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agent.Login(context.Background(), "agent@ledgerline.io", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := f.agent.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	stored, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if stored != nil {
		t.Error("session still present after logout")
	}
	if f.auth.logoutCalls != 1 {
		t.Errorf("server logout calls = %d, want 1", f.auth.logoutCalls)
	}
	if f.sched.stopCalls != 1 {
		t.Errorf("scheduler stops = %d, want 1", f.sched.stopCalls)
	}
	if f.changes.last(t).Kind != ChangeLogout {
		t.Errorf("last change = %v, want logout", f.changes.last(t).Kind)
	}

	// Signed out already: a second logout is a no-op.
	announced := len(f.bcast.kinds())
	if err := f.agent.Logout(context.Background()); err != nil {
		t.Fatalf("second Logout() error = %v", err)
	}
	if len(f.bcast.kinds()) != announced {
		t.Error("second logout announced again, want no-op")
	}
}

func TestRefreshPermissions_AnnouncesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	seedStore(t, f.store)
	f.fetcher.pages = []string{"dashboard", "reports"}

	if err := f.agent.RefreshPermissions(context.Background()); err != nil {
		t.Fatalf("RefreshPermissions() error = %v", err)
	}

	kinds := f.bcast.kinds()
	if len(kinds) != 1 || kinds[0] != broadcast.KindPermissionUpdate {
		t.Fatalf("announced = %v, want [permission-update]", kinds)
	}
	payload, ok := f.bcast.payloads[0].(*broadcast.PermissionUpdatePayload)
	if !ok || payload.Role != "agent" || len(payload.Pages) != 2 {
		t.Errorf("payload = %+v, want role agent with the new list embedded", f.bcast.payloads[0])
	}
	change := f.changes.last(t)
	if change.Kind != ChangePermissions || len(change.Permissions) != 2 {
		t.Errorf("change = %+v, want permissions update", change)
	}

	// Identical list: no announcement, no re-render.
	if err := f.agent.RefreshPermissions(context.Background()); err != nil {
		t.Fatalf("second RefreshPermissions() error = %v", err)
	}
	if len(f.bcast.kinds()) != 1 {
		t.Error("unchanged list announced again, want suppression")
	}
}

func TestTerminalFailure_AnnouncesForcedLogout(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("refresh token revoked")

	f.sched.onTerminal(cause)

	kinds := f.bcast.kinds()
	if len(kinds) != 1 || kinds[0] != broadcast.KindLogout {
		t.Errorf("announced = %v, want [logout]", kinds)
	}
	change := f.changes.last(t)
	if change.Kind != ChangeLogout || !errors.Is(change.Cause, cause) {
		t.Errorf("change = %+v, want logout carrying the cause", change)
	}
}

func TestPeerLogin_SiblingContextReadsSharedStore(t *testing.T) {
	f := newFixture(t)
	seedStore(t, f.store)

	f.bcast.inject(t, broadcast.KindLogin, nil, broadcast.SourceProfile)

	if f.sched.armedCount() != 1 {
		t.Errorf("armed = %d, want 1 (sibling schedules its own renewal)", f.sched.armedCount())
	}
	change := f.changes.last(t)
	if change.Kind != ChangeLogin || change.Session == nil {
		t.Fatalf("change = %+v, want login with session from shared store", change)
	}
	if change.Session.User.ID != "u-001" {
		t.Errorf("user = %q, want u-001", change.Session.User.ID)
	}
}

func TestPeerLogin_CooperatingAppTrustsPayload(t *testing.T) {
	f := newFixture(t)

	f.bcast.inject(t, broadcast.KindLogin,
		&broadcast.LoginPayload{UserID: "u-002", Email: "b@ledgerline.io", Roles: []string{"agent"}},
		broadcast.SourceApp)

	if f.sched.armedCount() != 0 {
		t.Errorf("armed = %d, want 0 (no shared session to schedule)", f.sched.armedCount())
	}
	change := f.changes.last(t)
	if change.Kind != ChangeLogin || change.PeerUser == nil {
		t.Fatalf("change = %+v, want login with peer payload", change)
	}
	if change.PeerUser.UserID != "u-002" {
		t.Errorf("peer user = %q, want u-002", change.PeerUser.UserID)
	}
}

func TestPeerLogout_SiblingContext(t *testing.T) {
	f := newFixture(t)

	f.bcast.inject(t, broadcast.KindLogout, nil, broadcast.SourceProfile)

	if f.sched.stopCalls != 1 {
		t.Errorf("scheduler stops = %d, want 1", f.sched.stopCalls)
	}
	if f.changes.last(t).Kind != ChangeLogout {
		t.Errorf("change = %v, want logout", f.changes.last(t).Kind)
	}
}

func TestPeerLogout_CooperatingAppClearsOwnSession(t *testing.T) {
	f := newFixture(t)
	seedStore(t, f.store)

	f.bcast.inject(t, broadcast.KindLogout, nil, broadcast.SourceApp)

	stored, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if stored != nil {
		t.Error("session still present after peer app logout")
	}
}

func TestPeerPermissionUpdate_CooperatingAppAppliesWithoutFetch(t *testing.T) {
	f := newFixture(t)
	seedStore(t, f.store)

	f.bcast.inject(t, broadcast.KindPermissionUpdate,
		&broadcast.PermissionUpdatePayload{Role: "agent", Pages: []string{"reports"}},
		broadcast.SourceApp)

	if f.fetcher.calls != 0 {
		t.Errorf("fetcher calls = %d, want 0 for a relayed list", f.fetcher.calls)
	}
	stored, _ := f.store.Read(context.Background())
	got := stored.User.EffectivePermissions()
	if len(got) != 1 || got[0] != "reports" {
		t.Errorf("effective permissions = %v, want [reports]", got)
	}
	change := f.changes.last(t)
	if change.Kind != ChangePermissions {
		t.Errorf("change = %v, want permissions", change.Kind)
	}
}

func TestStart_ResumesLiveSession(t *testing.T) {
	f := newFixture(t)
	seedStore(t, f.store)

	if err := f.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.sched.armedCount() != 1 {
		t.Errorf("armed = %d, want 1 for a live persisted session", f.sched.armedCount())
	}
}

func TestStart_RenewsExpiredSession(t *testing.T) {
	f := newFixture(t)
	sess := seedStore(t, f.store)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.store.Write(context.Background(), sess); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := f.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sched.mu.Lock()
		calls := f.sched.renewCalls
		f.sched.mu.Unlock()
		if calls == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expired session with refresh token did not trigger renewal")
}

// TestPermissionChange_PropagatesToSiblingContext runs two agents over the
// same profile database with real broadcasters: an administrator-triggered
// permission refresh in one context must reach the other without a second
// service fetch.
func TestPermissionChange_PropagatesToSiblingContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.db")
	storeA := openStore(t, path)
	storeB := openStore(t, path)
	seedStore(t, storeA)

	newSibling := func(contextID string, store *session.Store, fetcher *fakeFetcher) (*Agent, *changeRecorder) {
		bcastCfg := broadcast.Config{
			ContextID:      contextID,
			AppID:          "crm",
			PollInterval:   10 * time.Millisecond,
			NonceRetention: time.Minute,
		}
		db, err := database.Open(context.Background(), database.Config{Path: path, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

		ag := New(
			Config{ContextID: contextID, AppID: "crm"},
			Deps{
				Store:        store,
				Auth:         &fakeAuth{},
				Scheduler:    &fakeScheduler{},
				Broadcaster:  broadcast.New(db.DB, nil, bcastCfg, logging.Discard()),
				Synchronizer: permsync.New(store, fetcher, logging.Discard()),
				Logger:       logging.Discard(),
			},
		)
		rec := &changeRecorder{}
		ag.OnChange(rec.record)
		if err := ag.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(ag.Close)
		return ag, rec
	}

	fetcherA := &fakeFetcher{pages: []string{"dashboard", "reports"}}
	fetcherB := &fakeFetcher{}
	agentA, _ := newSibling("ctx-a", storeA, fetcherA)
	_, recB := newSibling("ctx-b", storeB, fetcherB)

	if err := agentA.RefreshPermissions(context.Background()); err != nil {
		t.Fatalf("RefreshPermissions() error = %v", err)
	}

	recB.waitFor(t, 1)
	change := recB.last(t)
	if change.Kind != ChangePermissions {
		t.Fatalf("sibling change = %v, want permissions", change.Kind)
	}
	if len(change.Permissions) != 2 {
		t.Errorf("sibling permissions = %v, want the new two-page list", change.Permissions)
	}
	if fetcherB.calls != 0 {
		t.Errorf("sibling fetches = %d, want 0", fetcherB.calls)
	}
}
