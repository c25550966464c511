// Package plugins discovers plugin manifests on disk and registers them.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nupi-ai/habitvault/internal/eventbus"
	"github.com/nupi-ai/habitvault/internal/plugins/integrity"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

// Registrar registers a parsed manifest. lifecycle.Controller satisfies it
// so discovery also creates the plugin's runtime state.
type Registrar interface {
	Register(ctx context.Context, m *manifest.Manifest) error
}

// Outcome classifies what discovery did with a plugin directory.
type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeRejected   Outcome = "rejected"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeChanged    Outcome = "changed"
	OutcomeRemoved    Outcome = "removed"
)

// Discovery reports the handling of one plugin directory.
type Discovery struct {
	Dir      string
	PluginID string
	Outcome  Outcome
	Detail   string
}

// TopicDiscovery carries Discovery payloads.
var TopicDiscovery = eventbus.NewTopicDef[Discovery](eventbus.TopicPluginsDiscovery)

// Service manages the plugin directory.
type Service struct {
	pluginDir string
	registry  *Registry
	registrar Registrar
	bus       *eventbus.Bus
	logger    *log.Logger
	watch     bool
	debounce  time.Duration

	warnings atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional behaviour on the Service.
type Option func(*Service)

// WithBus publishes Discovery payloads on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWatch makes Start keep watching the plugin directory.
func WithWatch(enabled bool) Option {
	return func(s *Service) { s.watch = enabled }
}

// WithDebounce overrides the watcher debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewService constructs a plugin service rooted in pluginDir. Manifests are
// registered through registrar, which must end up adding them to registry.
func NewService(pluginDir string, registry *Registry, registrar Registrar, opts ...Option) *Service {
	svc := &Service{
		pluginDir: pluginDir,
		registry:  registry,
		registrar: registrar,
		logger:    log.Default(),
		debounce:  debounceDefault,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// PluginDir returns the directory where plugins are stored.
func (s *Service) PluginDir() string {
	return s.pluginDir
}

// LoadAll registers every valid manifest found under the plugin directory.
// Unparseable manifests and rejected registrations are returned as warnings.
func (s *Service) LoadAll(ctx context.Context) []manifest.DiscoveryWarning {
	manifests, warnings := manifest.DiscoverWithWarnings(s.pluginDir)
	for _, w := range warnings {
		s.publish(ctx, Discovery{Dir: w.Dir, Outcome: OutcomeInvalid, Detail: w.Err.Error()})
	}
	for _, m := range manifests {
		if ctx.Err() != nil {
			break
		}
		d := s.register(ctx, m)
		if d.Outcome == OutcomeRejected {
			warnings = append(warnings, manifest.DiscoveryWarning{Dir: m.Dir, Err: errors.New(d.Detail)})
		}
	}
	s.warnings.Store(int64(len(warnings)))
	s.logger.Printf("[Plugins] loaded %d plugin(s) from %s (%d warning(s))", s.registry.Len(), s.pluginDir, len(warnings))
	return warnings
}

// WarningsCount reports how many manifests the last LoadAll skipped.
func (s *Service) WarningsCount() int {
	return int(s.warnings.Load())
}

// Sync handles one plugin directory: unknown plugins are registered, known
// ones are checked against the manifest they were registered with. A
// changed manifest is reported and otherwise ignored.
func (s *Service) Sync(ctx context.Context, dir string) Discovery {
	m, err := manifest.LoadFromDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		d := Discovery{Dir: dir, Outcome: OutcomeRemoved}
		if _, statErr := os.Stat(dir); statErr == nil {
			d.Outcome = OutcomeInvalid
			d.Detail = "no manifest"
		}
		s.publish(ctx, d)
		return d
	}
	if err != nil {
		s.logger.Printf("[Plugins] skipping %s: %v", dir, err)
		d := Discovery{Dir: dir, Outcome: OutcomeInvalid, Detail: err.Error()}
		s.publish(ctx, d)
		return d
	}

	registered, ok := s.registry.Lookup(m.ID())
	if !ok {
		return s.register(ctx, m)
	}

	d := Discovery{Dir: dir, PluginID: m.ID(), Outcome: OutcomeUnchanged}
	want, _ := s.registry.Digest(m.ID())
	rel, relErr := filepath.Rel(registered.Dir, registered.File)
	switch {
	case registered.Dir != filepath.Clean(dir):
		d.Outcome = OutcomeRejected
		d.Detail = fmt.Sprintf("plugin already registered from %s", registered.Dir)
	case relErr != nil:
		d.Outcome = OutcomeChanged
		d.Detail = relErr.Error()
	default:
		if res := integrity.VerifyFile(registered.Dir, filepath.ToSlash(rel), want); !res.Verified {
			d.Outcome = OutcomeChanged
			d.Detail = res.Reason
		}
	}
	if d.Outcome != OutcomeUnchanged {
		s.logger.Printf("[Plugins] ignoring %s for registered plugin %s: %s", dir, m.ID(), d.Detail)
	}
	s.publish(ctx, d)
	return d
}

func (s *Service) register(ctx context.Context, m *manifest.Manifest) Discovery {
	d := Discovery{Dir: m.Dir, PluginID: m.ID(), Outcome: OutcomeRegistered}
	if err := s.registrar.Register(ctx, m); err != nil {
		d.Outcome = OutcomeRejected
		d.Detail = err.Error()
		s.logger.Printf("[Plugins] rejected %s: %v", m.ID(), err)
	}
	s.publish(ctx, d)
	return d
}

func (s *Service) publish(ctx context.Context, d Discovery) {
	eventbus.Publish(ctx, s.bus, TopicDiscovery, eventbus.SourceWatcher, d)
}

// Start loads every plugin and, when watching is enabled, keeps following
// the plugin directory until Shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.LoadAll(ctx)
	if !s.watch {
		return nil
	}

	if err := os.MkdirAll(s.pluginDir, 0o755); err != nil {
		return fmt.Errorf("plugins: create plugin dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	w := NewWatcher(s.pluginDir, func(dir string) { s.Sync(runCtx, dir) }, WithWatcherDebounce(s.debounce), WithWatcherLogger(s.logger))
	go func() {
		defer close(s.done)
		if err := w.Run(runCtx); err != nil {
			s.logger.Printf("[Plugins] fsnotify unavailable (%v), falling back to polling", err)
			_ = NewPollWatcher(s.pluginDir, func(dir string) { s.Sync(runCtx, dir) }, 0).Run(runCtx)
		}
	}()
	return nil
}

// Shutdown stops the directory watcher.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
