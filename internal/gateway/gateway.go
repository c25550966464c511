// Package gateway mediates every plugin access to the data store.
//
// Each call checks the caller's capability once, checks ownership for
// writes and records exactly one audit event describing the outcome. Denied
// calls never reach the store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/datapoint"
)

// DefaultWatchInterval is how often subscriptions poll for changes.
const DefaultWatchInterval = time.Second

// DataStore is the durable record store behind the gateway.
type DataStore interface {
	SaveDataPoint(ctx context.Context, dp datapoint.DataPoint) error
	// WatchDataPoints emits the current records of pluginID and then the
	// full set again whenever it changes, until ctx is cancelled.
	WatchDataPoints(ctx context.Context, pluginID string, interval time.Duration) (<-chan []datapoint.DataPoint, <-chan error, error)
	CountDataPoints(ctx context.Context, pluginID string) (int, error)
	DeleteDataPoints(ctx context.Context, ids []string) (int, error)
	// DataPointOwners maps known ids to their owning plugin. Unknown ids
	// are absent from the result.
	DataPointOwners(ctx context.Context, ids []string) (map[string]string, error)
}

// Permissions answers capability checks.
type Permissions interface {
	Has(pluginID string, c capability.Capability) bool
}

// Recorder receives audit events.
type Recorder interface {
	Record(ev audit.Event) audit.Event
}

// CollectionHook is told about every successful save.
type CollectionHook func(pluginID string, at time.Time)

// Gateway is the secure data gateway.
type Gateway struct {
	store     DataStore
	perms     Permissions
	events    Recorder
	logger    *log.Logger
	interval  time.Duration
	onCollect CollectionHook
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithWatchInterval sets the polling interval of read subscriptions.
func WithWatchInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithCollectionHook registers fn to run after each successful save.
func WithCollectionHook(fn CollectionHook) Option {
	return func(g *Gateway) { g.onCollect = fn }
}

// New constructs a gateway. events must not be nil.
func New(store DataStore, perms Permissions, events Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		store:    store,
		perms:    perms,
		events:   events,
		logger:   log.Default(),
		interval: DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Save stores dp on behalf of pluginID. Ownership is checked before any
// capability: a plugin can never write another plugin's record.
func (g *Gateway) Save(ctx context.Context, pluginID string, dp datapoint.DataPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if dp.PluginID != pluginID {
		g.events.Record(audit.NewViolation(pluginID, audit.KindOwnership, audit.SeverityHigh,
			fmt.Sprintf("attempted to save %s data point owned by %s", dp.Metric, dp.PluginID)))
		g.logger.Printf("[Gateway] ownership violation: %s saving data of %s", pluginID, dp.PluginID)
		return &authz.OwnershipViolationError{PluginID: pluginID, OwnerID: dp.PluginID, Operation: "save"}
	}

	if err := g.require(pluginID, capability.CollectData); err != nil {
		return err
	}

	if err := dp.Check(); err != nil {
		g.events.Record(audit.NewViolation(pluginID, audit.KindMalformedData, audit.SeverityMedium, err.Error()))
		return &authz.SecurityViolationError{PluginID: pluginID, Kind: string(audit.KindMalformedData), Detail: err.Error()}
	}

	// Reusing the id of another plugin's record would overwrite it.
	owners, err := g.store.DataPointOwners(ctx, []string{dp.ID})
	if err != nil {
		return authz.NewStorageError("resolve data point owners", err)
	}
	if owner, ok := owners[dp.ID]; ok && owner != pluginID {
		g.events.Record(audit.NewViolation(pluginID, audit.KindOwnership, audit.SeverityHigh,
			fmt.Sprintf("attempted to overwrite data point %s owned by %s", dp.ID, owner)))
		g.logger.Printf("[Gateway] ownership violation: %s overwriting record of %s", pluginID, owner)
		return &authz.OwnershipViolationError{PluginID: pluginID, OwnerID: owner, Operation: "save"}
	}

	// The store rejects an id claimed by another plugin after the lookup
	// above, so the event is chosen once the store has answered.
	if err := g.store.SaveDataPoint(ctx, dp); err != nil {
		if errors.Is(err, datapoint.ErrForeignID) {
			return g.foreignSave(ctx, pluginID, dp)
		}
		g.events.Record(audit.NewDataAccess(pluginID, audit.AccessWrite, 0, pluginID))
		return authz.NewStorageError("save data point", err)
	}
	g.events.Record(audit.NewDataAccess(pluginID, audit.AccessWrite, 1, pluginID))
	if g.onCollect != nil {
		g.onCollect(pluginID, dp.RecordedAt)
	}
	return nil
}

func (g *Gateway) foreignSave(ctx context.Context, pluginID string, dp datapoint.DataPoint) error {
	owner := ""
	if owners, err := g.store.DataPointOwners(ctx, []string{dp.ID}); err == nil {
		owner = owners[dp.ID]
	}
	g.events.Record(audit.NewViolation(pluginID, audit.KindOwnership, audit.SeverityHigh,
		fmt.Sprintf("attempted to overwrite data point %s owned by another plugin", dp.ID)))
	g.logger.Printf("[Gateway] ownership violation: %s reused id %s of %q", pluginID, dp.ID, owner)
	return &authz.OwnershipViolationError{PluginID: pluginID, OwnerID: owner, Operation: "save"}
}

// ReadOwn subscribes pluginID to its own records.
func (g *Gateway) ReadOwn(ctx context.Context, pluginID string) (*Subscription, error) {
	return g.read(ctx, pluginID, pluginID, capability.ReadOwnData)
}

// ReadOther subscribes pluginID to target's records. Reading oneself only
// needs ReadOwnData.
func (g *Gateway) ReadOther(ctx context.Context, pluginID, target string) (*Subscription, error) {
	return g.read(ctx, pluginID, target, readCapability(pluginID, target))
}

func (g *Gateway) read(ctx context.Context, pluginID, target string, c capability.Capability) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.require(pluginID, c); err != nil {
		return nil, err
	}

	g.events.Record(audit.NewDataAccess(pluginID, audit.AccessRead, 0, target))

	subCtx, cancel := context.WithCancel(ctx)
	data, errs, err := g.store.WatchDataPoints(subCtx, target, g.interval)
	if err != nil {
		cancel()
		return nil, authz.NewStorageError("watch data points", err)
	}
	return newSubscription(subCtx, cancel, data, errs), nil
}

// Count reports how many records target holds. An unauthorised caller gets
// zero and no error so it cannot tell denial from an empty store; the
// denial is still audited.
func (g *Gateway) Count(ctx context.Context, pluginID, target string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := readCapability(pluginID, target)
	if !g.perms.Has(pluginID, c) {
		g.deny(pluginID, c, fmt.Sprintf("count of %s records", target))
		return 0, nil
	}

	g.events.Record(audit.NewDataAccess(pluginID, audit.AccessCount, 0, target))
	n, err := g.store.CountDataPoints(ctx, target)
	if err != nil {
		return 0, authz.NewStorageError("count data points", err)
	}
	return n, nil
}

// Delete removes records owned by pluginID. If any id belongs to another
// plugin nothing is deleted. Unknown ids are ignored.
func (g *Gateway) Delete(ctx context.Context, pluginID string, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := g.require(pluginID, capability.DeleteData); err != nil {
		return 0, err
	}

	owners, err := g.store.DataPointOwners(ctx, ids)
	if err != nil {
		return 0, authz.NewStorageError("resolve data point owners", err)
	}

	var owned []string
	foreign := make(map[string]int)
	for _, id := range ids {
		owner, ok := owners[id]
		switch {
		case !ok:
		case owner == pluginID:
			owned = append(owned, id)
		default:
			foreign[owner]++
		}
	}

	if len(foreign) > 0 {
		others := make([]string, 0, len(foreign))
		for owner := range foreign {
			others = append(others, owner)
		}
		sort.Strings(others)
		detail := fmt.Sprintf("attempted to delete records owned by %s", strings.Join(others, ", "))
		g.events.Record(audit.NewViolation(pluginID, audit.KindCrossPluginDelete, audit.SeverityHigh, detail))
		g.logger.Printf("[Gateway] cross-plugin delete by %s blocked (%s)", pluginID, detail)
		return 0, &authz.OwnershipViolationError{PluginID: pluginID, OwnerID: others[0], Operation: "delete"}
	}

	g.events.Record(audit.NewDataAccess(pluginID, audit.AccessDelete, len(owned), pluginID))
	if len(owned) == 0 {
		return 0, nil
	}
	n, err := g.store.DeleteDataPoints(ctx, owned)
	if err != nil {
		return 0, authz.NewStorageError("delete data points", err)
	}
	return n, nil
}

// require performs the single capability check of a call and audits a
// denial.
func (g *Gateway) require(pluginID string, c capability.Capability) error {
	if g.perms.Has(pluginID, c) {
		return nil
	}
	reason := "capability not granted"
	g.deny(pluginID, c, reason)
	return &authz.PermissionDeniedError{PluginID: pluginID, Capability: c, Reason: reason}
}

func (g *Gateway) deny(pluginID string, c capability.Capability, reason string) {
	g.events.Record(audit.NewDenied(pluginID, c, reason))
}

func readCapability(pluginID, target string) capability.Capability {
	if pluginID == target {
		return capability.ReadOwnData
	}
	return capability.ReadAllData
}
