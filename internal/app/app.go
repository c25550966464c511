// Package app wires the vault components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/config"
	"github.com/nupi-ai/habitvault/internal/eventbus"
	"github.com/nupi-ai/habitvault/internal/gateway"
	"github.com/nupi-ai/habitvault/internal/ledger"
	"github.com/nupi-ai/habitvault/internal/lifecycle"
	"github.com/nupi-ai/habitvault/internal/observability"
	"github.com/nupi-ai/habitvault/internal/plugins"
	"github.com/nupi-ai/habitvault/internal/plugins/installer"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
	"github.com/nupi-ai/habitvault/internal/store"
)

// storeOpTimeout bounds store writes made outside a caller's context.
const storeOpTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// Home is the vault directory. Empty resolves through config.GetHome.
	Home string
	// Policy overrides the policy file when set.
	Policy *config.Policy
	// Watch keeps following the plugin directory after Open. It is
	// combined with the policy's plugins.watch setting.
	Watch bool
	// Bridge reports OS permission state for consent plans.
	Bridge capability.PermissionBridge
	Logger *log.Logger
}

// App holds the running vault.
type App struct {
	Paths  config.Paths
	Policy config.Policy

	Store      *store.Store
	Bus        *eventbus.Bus
	Monitor    *audit.Monitor
	Registry   *plugins.Registry
	Ledger     *ledger.Ledger
	Controller *lifecycle.Controller
	Gateway    *gateway.Gateway
	Plugins    *plugins.Service
	Installer  *installer.Installer
	Metrics    *observability.PrometheusExporter

	logger *log.Logger
	chain  *audit.ChainLog
}

// Open builds every component, restores persisted state and loads the
// plugin directory.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	paths := config.GetPaths(opts.Home)
	if err := config.EnsureDirs(paths); err != nil {
		return nil, fmt.Errorf("app: create vault dirs: %w", err)
	}

	var policy config.Policy
	if opts.Policy != nil {
		policy = *opts.Policy
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := config.LoadPolicy(paths.Policy)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	st, err := store.Open(store.Options{DBPath: paths.DB})
	if err != nil {
		return nil, err
	}

	a := &App{Paths: paths, Policy: policy, Store: st, logger: logger}
	if err := a.wire(ctx, opts); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	policy := a.Policy

	a.Bus = eventbus.New(eventbus.WithLogger(a.logger))
	a.Monitor = audit.NewMonitor(
		audit.WithBus(a.Bus),
		audit.WithLogger(a.logger),
		audit.WithRetention(policy.Monitor.RetainEvents, policy.Monitor.RetainFor),
	)

	var since time.Time
	if policy.Monitor.RetainFor > 0 {
		since = time.Now().Add(-policy.Monitor.RetainFor)
	}
	persisted, err := a.Store.LoadEvents(ctx, since)
	if err != nil {
		return err
	}
	a.Monitor.Restore(persisted)
	maxSeq, err := a.Store.MaxEventSeq(ctx)
	if err != nil {
		return err
	}
	a.Monitor.ResumeAt(maxSeq)

	if err := a.Monitor.Attach("store", a.Store); err != nil {
		return err
	}
	if policy.Audit.ChainLog {
		chain, err := audit.OpenChainLog(a.Paths.AuditLog)
		if err != nil {
			return err
		}
		a.chain = chain
		if err := a.Monitor.Attach("chainlog", chain); err != nil {
			return err
		}
	}
	counter := observability.NewEventCounter()
	if err := a.Monitor.Attach("metrics", counter); err != nil {
		return err
	}

	a.Registry = plugins.NewRegistry()
	a.Ledger = ledger.New(a.Store, a.Registry, a.Monitor, ledger.WithLogger(a.logger))

	ctrlOpts := []lifecycle.Option{
		lifecycle.WithBus(a.Bus),
		lifecycle.WithLogger(a.logger),
		lifecycle.WithRevokeOnDisable(policy.Lifecycle.RevokeOnDisable),
		lifecycle.WithConsentPolicy(policy.ConsentPolicy()),
	}
	if opts.Bridge != nil {
		ctrlOpts = append(ctrlOpts, lifecycle.WithPermissionBridge(opts.Bridge))
	}
	a.Controller = lifecycle.New(a.Registry, a.Ledger, a.Monitor, a.Store, ctrlOpts...)
	if err := a.Controller.Load(ctx); err != nil {
		return err
	}

	a.Gateway = gateway.New(a.Store, a.Ledger, a.Monitor,
		gateway.WithLogger(a.logger),
		gateway.WithWatchInterval(policy.Store.WatchInterval),
		gateway.WithCollectionHook(a.recordCollection),
	)

	a.Plugins = plugins.NewService(a.Paths.PluginDir, a.Registry, registrar{a},
		plugins.WithBus(a.Bus),
		plugins.WithLogger(a.logger),
		plugins.WithWatch(opts.Watch && policy.Plugins.Watch),
		plugins.WithDebounce(policy.Plugins.Debounce),
	)
	a.Installer = installer.NewInstaller(a.Paths.PluginDir, func(id string) bool {
		_, ok := a.Registry.Lookup(id)
		return ok
	})

	a.Metrics = observability.NewPrometheusExporter(a.Bus, counter)
	a.Metrics.WithMonitor(a.Monitor)
	a.Metrics.WithStates(a.Controller)
	a.Metrics.WithPluginWarnings(a.Plugins)

	return a.Plugins.Start(ctx)
}

// registrar registers a discovered manifest with the lifecycle controller
// and restores its persisted grants.
type registrar struct{ a *App }

func (r registrar) Register(ctx context.Context, m *manifest.Manifest) error {
	if err := r.a.Controller.Register(ctx, m); err != nil {
		return err
	}
	return r.a.Ledger.LoadPlugin(ctx, m.ID())
}

func (a *App) recordCollection(pluginID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := a.Controller.RecordCollection(ctx, pluginID, at); err != nil {
		a.logger.Printf("[App] record collection for %s: %v", pluginID, err)
	}
}

// Install copies a plugin from path into the plugin directory and
// registers it.
func (a *App) Install(ctx context.Context, path string) (plugins.Discovery, error) {
	res, err := a.Installer.InstallFromPath(ctx, path)
	if err != nil {
		return plugins.Discovery{}, err
	}
	d := a.Plugins.Sync(ctx, res.Dir)
	if d.Outcome != plugins.OutcomeRegistered && d.Outcome != plugins.OutcomeUnchanged {
		return d, fmt.Errorf("app: installed %s but registration %s: %s", res.PluginID, d.Outcome, d.Detail)
	}
	return d, nil
}

// Close stops the watcher, drains audit sinks and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Plugins != nil {
		errs = append(errs, a.Plugins.Shutdown(ctx))
	}
	if a.Monitor != nil {
		errs = append(errs, a.Monitor.Close(ctx))
	}
	if a.chain != nil {
		errs = append(errs, a.chain.Close())
	}
	a.Bus.Shutdown()
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
