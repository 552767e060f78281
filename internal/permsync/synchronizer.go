package permsync

import (
	"context"
	"fmt"

	"github.com/ledgerline/session-core/internal/session"
)

// PermissionFetcher is the slice of the auth service client the
// synchronizer needs.
type PermissionFetcher interface {
	RolePermissions(ctx context.Context, role string) ([]string, error)
}

// SessionStore is the session persistence surface the synchronizer uses.
type SessionStore interface {
	Update(ctx context.Context, fn func(*session.Session) (*session.Session, error)) error
}

// Logger is the minimal logging interface the synchronizer needs.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Result describes the outcome of a reconcile or apply.
type Result struct {
	// Role is the role the permission list belongs to.
	Role string

	// Changed reports whether the stored override actually changed. An
	// update carrying the list already in force is a no-op.
	Changed bool

	// Permissions is the effective permission list after the operation.
	// Only meaningful when Changed is true.
	Permissions []string

	// Pages is the raw list that was applied, for relaying to peers.
	Pages []string
}

// Synchronizer reconciles role permission lists into the session store.
type Synchronizer struct {
	store   SessionStore
	fetcher PermissionFetcher
	logger  Logger
}

// New creates a Synchronizer.
func New(store SessionStore, fetcher PermissionFetcher, logger Logger) *Synchronizer {
	return &Synchronizer{store: store, fetcher: fetcher, logger: logger}
}

// Reconcile fetches the live permission list for role and stores it as the
// session's override. On fetch failure the previous permission set stays
// in force and the error is returned.
//
// An empty fetched list is a valid, maximally restrictive result and is
// stored as such, not treated as a failure.
func (s *Synchronizer) Reconcile(ctx context.Context, role string) (*Result, error) {
	pages, err := s.fetcher.RolePermissions(ctx, role)
	if err != nil {
		s.logger.Warn("permission fetch failed, keeping previous permission set",
			"role", role, "error", err)
		return nil, fmt.Errorf("reconciling permissions for role %q: %w", role, err)
	}
	return s.apply(ctx, role, pages)
}

// ApplyUpdate stores a permission list that another context already
// fetched, skipping the redundant service call.
func (s *Synchronizer) ApplyUpdate(ctx context.Context, role string, pages []string) (*Result, error) {
	return s.apply(ctx, role, pages)
}

func (s *Synchronizer) apply(ctx context.Context, role string, pages []string) (*Result, error) {
	if pages == nil {
		pages = []string{}
	}
	res := &Result{Role: role, Pages: append([]string(nil), pages...)}

	err := s.store.Update(ctx, func(current *session.Session) (*session.Session, error) {
		if current == nil {
			// Nothing signed in; nothing to gate.
			return nil, nil
		}
		if !current.User.HasRole(role) {
			s.logger.Debug("ignoring permission update for role not held",
				"role", role, "user", current.User.ID)
			return nil, nil
		}
		if current.User.RolePermissionsOverride != nil &&
			equalLists(current.User.RolePermissionsOverride, pages) {
			return nil, nil
		}

		next := current.Clone()
		next.User.RolePermissionsOverride = append([]string(nil), pages...)
		res.Changed = true
		res.Permissions = next.User.EffectivePermissions()
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing permissions for role %q: %w", role, err)
	}

	if res.Changed {
		s.logger.Debug("permission override updated", "role", role, "pages", len(res.Pages))
	}
	return res, nil
}

// equalLists compares permission lists element-wise. The service returns a
// stable order, so positional equality is the duplicate test.
func equalLists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
