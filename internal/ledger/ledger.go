// Package ledger holds the runtime permission grants of every plugin.
//
// Mutations for one plugin are serialised; different plugins proceed in
// parallel. Reads are served from immutable per-plugin snapshots and never
// block. The durable store is written before a snapshot is replaced, so a
// reader never observes a grant that failed to persist.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
	"github.com/nupi-ai/habitvault/internal/util/keylock"
	"github.com/nupi-ai/habitvault/internal/validate"
)

// Grant is one row of grant history. A revoke deactivates the row; a
// later grant of the same capability adds a new row.
type Grant struct {
	PluginID   string
	Capability capability.Capability
	GrantedBy  string
	GrantedAt  time.Time
	Active     bool
	RevokedBy  string
	RevokedAt  time.Time
}

// GrantStore persists grants.
type GrantStore interface {
	// InsertGrants adds active rows atomically.
	InsertGrants(ctx context.Context, grants []Grant) error
	// RevokeGrants deactivates the active rows of caps atomically.
	RevokeGrants(ctx context.Context, pluginID string, caps []capability.Capability, revokedBy string, at time.Time) error
	// GrantHistory returns every row of one plugin, oldest first.
	GrantHistory(ctx context.Context, pluginID string) ([]Grant, error)
}

// Manifests resolves the security manifest of a registered plugin.
type Manifests interface {
	Manifest(pluginID string) (manifest.SecurityManifest, bool)
}

// Recorder receives audit events.
type Recorder interface {
	Record(ev audit.Event) audit.Event
}

// Ledger is the permission ledger.
type Ledger struct {
	store     GrantStore
	manifests Manifests
	events    Recorder
	logger    *log.Logger
	now       func() time.Time

	locks   keylock.Map
	granted sync.Map // plugin id -> capability.Set
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source used for grant timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a ledger over store. events may be nil.
func New(store GrantStore, manifests Manifests, events Recorder, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		manifests: manifests,
		events:    events,
		logger:    log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadPlugin warms the snapshot of one plugin from the store. Grants for
// capabilities no longer in the manifest are skipped.
func (l *Ledger) LoadPlugin(ctx context.Context, pluginID string) error {
	sec, ok := l.manifests.Manifest(pluginID)
	if !ok {
		return authz.NotRegistered(pluginID)
	}

	unlock := l.locks.Lock(pluginID)
	defer unlock()

	rows, err := l.store.GrantHistory(ctx, pluginID)
	if err != nil {
		return authz.NewStorageError("load grants", err)
	}
	var caps []capability.Capability
	for _, g := range rows {
		if g.Active && sec.Requests(g.Capability) {
			caps = append(caps, g.Capability)
		}
	}
	l.granted.Store(pluginID, capability.NewSet(caps...))
	return nil
}

// Granted returns the effective grant set of pluginID.
func (l *Ledger) Granted(pluginID string) capability.Set {
	if v, ok := l.granted.Load(pluginID); ok {
		return v.(capability.Set)
	}
	return capability.NewSet()
}

// Has reports whether c is both granted to and requested by pluginID.
func (l *Ledger) Has(pluginID string, c capability.Capability) bool {
	if !l.Granted(pluginID).Contains(c) {
		return false
	}
	sec, ok := l.manifests.Manifest(pluginID)
	return ok && sec.Requests(c)
}

// Grant merges caps into the active grants of pluginID and returns the
// resulting effective set. Capabilities outside the manifest reject the
// whole request. One PermissionGranted event is recorded per capability
// that was not already granted.
func (l *Ledger) Grant(ctx context.Context, pluginID string, caps capability.Set, grantedBy string) (capability.Set, error) {
	if err := ctx.Err(); err != nil {
		return capability.Set{}, err
	}
	if !validate.Principal(grantedBy) {
		return capability.Set{}, &authz.ConfigurationError{PluginID: pluginID, Field: "grantedBy", Reason: fmt.Sprintf("invalid grantor %q", grantedBy)}
	}
	sec, ok := l.manifests.Manifest(pluginID)
	if !ok {
		return capability.Set{}, authz.NotRegistered(pluginID)
	}
	if undeclared := caps.Difference(sec.Requested()); !undeclared.Empty() {
		return capability.Set{}, &authz.ConfigurationError{
			PluginID: pluginID,
			Field:    "capabilities",
			Reason:   fmt.Sprintf("%s not declared in manifest", undeclared),
		}
	}

	unlock := l.locks.Lock(pluginID)
	defer unlock()

	current := l.Granted(pluginID)
	added := caps.Difference(current)
	if added.Empty() {
		return current, nil
	}

	at := l.now()
	rows := make([]Grant, 0, added.Len())
	for _, c := range added.Sorted() {
		rows = append(rows, Grant{PluginID: pluginID, Capability: c, GrantedBy: grantedBy, GrantedAt: at, Active: true})
	}
	if err := l.store.InsertGrants(ctx, rows); err != nil {
		return current, authz.NewStorageError("grant", err)
	}

	next := current.Union(added)
	l.granted.Store(pluginID, next)
	for _, c := range added.Sorted() {
		l.record(audit.NewGranted(pluginID, c, grantedBy))
	}
	l.logger.Printf("[Ledger] granted %s to %s by %s", added, pluginID, grantedBy)
	return next, nil
}

// Revoke deactivates caps for pluginID, or every active grant when caps is
// nil. It returns the capabilities actually revoked; revoking what is not
// granted is a no-op.
func (l *Ledger) Revoke(ctx context.Context, pluginID string, caps *capability.Set, revokedBy string) (capability.Set, error) {
	if err := ctx.Err(); err != nil {
		return capability.Set{}, err
	}
	if !validate.Principal(revokedBy) {
		return capability.Set{}, &authz.ConfigurationError{PluginID: pluginID, Field: "revokedBy", Reason: fmt.Sprintf("invalid revoker %q", revokedBy)}
	}

	unlock := l.locks.Lock(pluginID)
	defer unlock()

	current := l.Granted(pluginID)
	target := current
	if caps != nil {
		target = current.Intersect(*caps)
	}
	if target.Empty() {
		return capability.NewSet(), nil
	}

	if err := l.store.RevokeGrants(ctx, pluginID, target.Sorted(), revokedBy, l.now()); err != nil {
		return capability.NewSet(), authz.NewStorageError("revoke", err)
	}

	l.granted.Store(pluginID, current.Difference(target))
	for _, c := range target.Sorted() {
		l.record(audit.NewRevoked(pluginID, c, revokedBy))
	}
	l.logger.Printf("[Ledger] revoked %s from %s by %s", target, pluginID, revokedBy)
	return target, nil
}

// Grants returns the full grant history of pluginID.
func (l *Ledger) Grants(ctx context.Context, pluginID string) ([]Grant, error) {
	rows, err := l.store.GrantHistory(ctx, pluginID)
	if err != nil {
		return nil, authz.NewStorageError("grant history", err)
	}
	return rows, nil
}

func (l *Ledger) record(ev audit.Event) {
	if l.events != nil {
		l.events.Record(ev)
	}
}
