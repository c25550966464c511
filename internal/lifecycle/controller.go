package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/eventbus"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
	"github.com/nupi-ai/habitvault/internal/util/keylock"
)

const (
	// AutoGrantor is recorded as the grantor of official auto-grants.
	AutoGrantor = "system:auto-official"
	// DisableRevoker is recorded when disabling revokes grants.
	DisableRevoker = "system:disable"
)

// Registry holds validated manifests.
type Registry interface {
	Register(m *manifest.Manifest) error
	Lookup(pluginID string) (*manifest.Manifest, bool)
}

// PermissionLedger is the subset of the ledger the controller drives.
type PermissionLedger interface {
	Granted(pluginID string) capability.Set
	Grant(ctx context.Context, pluginID string, caps capability.Set, grantedBy string) (capability.Set, error)
	Revoke(ctx context.Context, pluginID string, caps *capability.Set, revokedBy string) (capability.Set, error)
}

// Recorder receives audit events.
type Recorder interface {
	Record(ev audit.Event) audit.Event
}

// Controller owns every plugin's RuntimeState.
type Controller struct {
	registry Registry
	ledger   PermissionLedger
	events   Recorder
	store    StateStore
	bus      *eventbus.Bus
	bridge   capability.PermissionBridge
	policy   manifest.ConsentPolicy
	logger   *log.Logger
	now      func() time.Time

	revokeOnDisable bool

	locks  keylock.Map
	states sync.Map // plugin id -> RuntimeState

	persistedMu sync.Mutex
	persisted   map[string]RuntimeState
}

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes state changes on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRevokeOnDisable makes Disable revoke every grant.
func WithRevokeOnDisable(enabled bool) Option {
	return func(c *Controller) { c.revokeOnDisable = enabled }
}

// WithConsentPolicy sets the risk threshold reported by ConsentPlan.
func WithConsentPolicy(policy manifest.ConsentPolicy) Option {
	return func(c *Controller) { c.policy = policy }
}

// WithPermissionBridge sets the OS permission source used by ConsentPlan.
func WithPermissionBridge(bridge capability.PermissionBridge) Option {
	return func(c *Controller) { c.bridge = bridge }
}

// New constructs a controller. store may be nil for an in-memory run.
func New(registry Registry, ledger PermissionLedger, events Recorder, store StateStore, opts ...Option) *Controller {
	c := &Controller{
		registry:  registry,
		ledger:    ledger,
		events:    events,
		store:     store,
		policy:    manifest.DefaultConsentPolicy(),
		logger:    log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		persisted: make(map[string]RuntimeState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads persisted states. They are adopted when the matching plugin
// registers.
func (c *Controller) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	states, err := c.store.LoadStates(ctx)
	if err != nil {
		return authz.NewStorageError("load plugin states", err)
	}
	c.persistedMu.Lock()
	defer c.persistedMu.Unlock()
	for _, st := range states {
		c.persisted[st.PluginID] = st
	}
	return nil
}

// Register adds m to the registry and creates its runtime state. A
// manifest rejected by the registry leaves no state behind.
func (c *Controller) Register(ctx context.Context, m *manifest.Manifest) error {
	if m == nil {
		return &authz.ConfigurationError{Field: "manifest", Reason: "manifest is nil"}
	}
	id := m.ID()
	unlock := c.locks.Lock(id)
	defer unlock()

	if err := c.registry.Register(m); err != nil {
		c.logger.Printf("[Lifecycle] rejected plugin %s: %v", id, err)
		return err
	}

	c.persistedMu.Lock()
	st, restored := c.persisted[id]
	delete(c.persisted, id)
	c.persistedMu.Unlock()

	if restored {
		c.states.Store(id, st)
		c.publish(ctx, "register", "", st)
		return nil
	}

	st = RuntimeState{PluginID: id, State: StateRegistered, UpdatedAt: c.now()}
	c.states.Store(id, st)
	c.publish(ctx, "register", "", st)
	if err := c.save(ctx, st); err != nil {
		return err
	}
	c.logger.Printf("[Lifecycle] registered plugin %s (%s)", id, m.Trust)
	return nil
}

// State returns the runtime state of pluginID.
func (c *Controller) State(pluginID string) (RuntimeState, bool) {
	v, ok := c.states.Load(pluginID)
	if !ok {
		return RuntimeState{}, false
	}
	return v.(RuntimeState), true
}

// States returns every runtime state sorted by plugin id.
func (c *Controller) States() []RuntimeState {
	var out []RuntimeState
	c.states.Range(func(_, v any) bool {
		out = append(out, v.(RuntimeState))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Enable turns pluginID on when its grants cover the manifest. Official
// plugins get missing capabilities granted automatically; any other trust
// level gets one PermissionDenied event and a *authz.ConsentRequiredError,
// and its state is left as it was.
func (c *Controller) Enable(ctx context.Context, pluginID string) (RuntimeState, error) {
	if err := ctx.Err(); err != nil {
		return RuntimeState{}, err
	}
	m, ok := c.registry.Lookup(pluginID)
	if !ok {
		return RuntimeState{}, authz.NotRegistered(pluginID)
	}

	unlock := c.locks.Lock(pluginID)
	defer unlock()

	return c.transition(ctx, pluginID, "enable", func(next *RuntimeState) error {
		requested := m.Security.Requested()
		missing := requested.Difference(c.ledger.Granted(pluginID))
		if !missing.Empty() {
			if !m.Trust.AutoGrants() {
				riskiest := missing.ByRisk()[0]
				c.events.Record(audit.NewDenied(pluginID, riskiest, fmt.Sprintf("explicit consent required for %s", missing)))
				c.logger.Printf("[Lifecycle] enable %s blocked: consent required for %s", pluginID, missing)
				return &authz.ConsentRequiredError{PluginID: pluginID, Missing: missing}
			}
			if _, err := c.ledger.Grant(ctx, pluginID, missing, AutoGrantor); err != nil {
				return err
			}
		}
		next.State = StateEnabled
		next.IsEnabled = true
		next.IsCollecting = true
		next.ErrorCount = 0
		next.LastError = ""
		return nil
	})
}

// Disable turns pluginID off, revoking its grants when the controller was
// built with WithRevokeOnDisable(true).
func (c *Controller) Disable(ctx context.Context, pluginID string) (RuntimeState, error) {
	if err := ctx.Err(); err != nil {
		return RuntimeState{}, err
	}
	if _, ok := c.registry.Lookup(pluginID); !ok {
		return RuntimeState{}, authz.NotRegistered(pluginID)
	}

	unlock := c.locks.Lock(pluginID)
	defer unlock()

	return c.transition(ctx, pluginID, "disable", func(next *RuntimeState) error {
		if c.revokeOnDisable {
			if _, err := c.ledger.Revoke(ctx, pluginID, nil, DisableRevoker); err != nil {
				return err
			}
		}
		next.State = StateDisabled
		next.IsEnabled = false
		next.IsCollecting = false
		return nil
	})
}

// GrantConsent records an explicit user grant for pluginID.
func (c *Controller) GrantConsent(ctx context.Context, pluginID string, caps capability.Set, grantedBy string) (capability.Set, error) {
	if _, ok := c.registry.Lookup(pluginID); !ok {
		return capability.Set{}, authz.NotRegistered(pluginID)
	}
	return c.ledger.Grant(ctx, pluginID, caps, grantedBy)
}

// RecordCollection stamps the last successful collection time.
func (c *Controller) RecordCollection(ctx context.Context, pluginID string, at time.Time) error {
	unlock := c.locks.Lock(pluginID)
	defer unlock()

	cur, ok := c.State(pluginID)
	if !ok {
		return authz.NotRegistered(pluginID)
	}
	if !at.After(cur.LastCollectionAt) {
		return nil
	}
	cur.LastCollectionAt = at
	c.states.Store(pluginID, cur)
	return c.save(ctx, cur)
}

// transition applies fn to a copy of the current state. Errors and panics
// move the plugin into StateError without touching IsEnabled or
// IsCollecting; a consent denial leaves the state untouched.
func (c *Controller) transition(ctx context.Context, pluginID, op string, fn func(next *RuntimeState) error) (RuntimeState, error) {
	cur, ok := c.State(pluginID)
	if !ok {
		return RuntimeState{}, authz.NotRegistered(pluginID)
	}

	next := cur
	err := safely(func() error { return fn(&next) })

	var consent *authz.ConsentRequiredError
	if errors.As(err, &consent) {
		return cur, err
	}
	if err == nil {
		next.UpdatedAt = c.now()
		err = c.save(ctx, next)
	}
	if err != nil {
		failed := cur
		failed.State = StateError
		failed.ErrorCount++
		failed.LastError = err.Error()
		failed.UpdatedAt = c.now()
		c.states.Store(pluginID, failed)
		if saveErr := c.save(context.WithoutCancel(ctx), failed); saveErr != nil {
			c.logger.Printf("[Lifecycle] persist error state for %s: %v", pluginID, saveErr)
		}
		c.publish(ctx, op, cur.State, failed)
		c.logger.Printf("[Lifecycle] %s %s failed: %v", op, pluginID, err)
		return failed, &authz.LifecycleError{PluginID: pluginID, Op: op, Err: err}
	}

	c.states.Store(pluginID, next)
	c.publish(ctx, op, cur.State, next)
	c.logger.Printf("[Lifecycle] %s %s: %s -> %s", op, pluginID, cur.State, next.State)
	return next, nil
}

func (c *Controller) save(ctx context.Context, st RuntimeState) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveState(ctx, st); err != nil {
		return authz.NewStorageError("save plugin state", err)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, op string, from State, st RuntimeState) {
	eventbus.Publish(ctx, c.bus, TopicStates, eventbus.SourceLifecycle, StateChange{
		PluginID: st.PluginID,
		From:     from,
		To:       st.State,
		Op:       op,
		State:    st,
	})
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
