// Package eventbus is the in-process publish/subscribe fabric that carries
// security events and plugin state changes between components.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus routes envelopes to topic subscribers.
type Bus struct {
	logger   *log.Logger
	mu       sync.RWMutex
	subs     map[Topic]map[uint64]*Subscription
	buffers  map[Topic]int
	policies map[Topic]DeliveryPolicy
	nextID   atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Metrics is a point-in-time view of bus counters.
type Metrics struct {
	PublishTotal uint64
	DroppedTotal uint64
	Subscribers  map[Topic]int
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	b := &Bus{
		logger:   log.Default(),
		subs:     make(map[Topic]map[uint64]*Subscription),
		buffers:  make(map[Topic]int, len(defaultBuffers)),
		policies: make(map[Topic]DeliveryPolicy),
	}
	for topic, size := range defaultBuffers {
		b.buffers[topic] = size
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the channel size for new subscriptions on topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.buffers[topic] = size
	}
}

// WithTopicPolicy overrides the delivery policy for a topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		b.policies[topic] = policy
	}
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}
	b.published.Add(1)

	b.mu.RLock()
	for _, sub := range b.subs[env.Topic] {
		sub.deliver(ctx, env)
	}
	b.mu.RUnlock()
}

// Subscribe registers a subscriber for topic. On a nil bus the returned
// subscription is already closed.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		return closedSubscription()
	}

	cfg := subscriptionConfig{bufferSize: b.buffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	policy := policyFor(topic, b.policies)
	sub := &Subscription{
		topic:  topic,
		id:     b.nextID.Add(1),
		name:   cfg.name,
		ch:     make(chan Envelope, cfg.bufferSize),
		done:   make(chan struct{}),
		bus:    b,
		policy: policy,
	}

	if policy.Strategy == StrategyOverflow {
		sub.ovf = newOverflowBuffer(policy.MaxOverflow)
		drainCtx, cancel := context.WithCancel(context.Background())
		sub.ovfCancel = cancel
		go sub.ovf.drainLoop(drainCtx, sub.ch)
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub
}

// Metrics reports publish and drop counters.
func (b *Bus) Metrics() Metrics {
	if b == nil {
		return Metrics{}
	}
	m := Metrics{
		PublishTotal: b.published.Load(),
		DroppedTotal: b.dropped.Load(),
		Subscribers:  make(map[Topic]int),
	}
	b.mu.RLock()
	for topic, subs := range b.subs {
		m.Subscribers[topic] = len(subs)
	}
	b.mu.RUnlock()
	return m
}

// Shutdown closes all subscriptions. Safe on a nil bus.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
		delete(b.subs, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records an identifier used in drop logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext closes the subscription when ctx is cancelled.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription is one consumer of a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope
	done  chan struct{}

	bus       *Bus
	closed    atomic.Bool
	dropped   atomic.Uint64
	policy    DeliveryPolicy
	ovf       *overflowBuffer
	ovfCancel context.CancelFunc
}

func closedSubscription() *Subscription {
	ch := make(chan Envelope)
	close(ch)
	done := make(chan struct{})
	close(done)
	sub := &Subscription{ch: ch, done: done}
	sub.closed.Store(true)
	return sub
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopOverflow()
	close(s.done)

	if s.bus == nil {
		close(s.ch)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.topic]; ok {
		delete(subs, s.id)
	}
	close(s.ch)
}

func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopOverflow()
	close(s.done)
	close(s.ch)
}

func (s *Subscription) stopOverflow() {
	if s.ovfCancel != nil {
		s.ovfCancel()
	}
	if s.ovf != nil {
		<-s.ovf.done
	}
}

func (s *Subscription) deliver(ctx context.Context, env Envelope) {
	if s.closed.Load() || ctx.Err() != nil {
		return
	}

	// Overflow topics always go through the ring so the drain goroutine
	// is the only writer and FIFO order holds.
	if s.policy.Strategy == StrategyOverflow && s.ovf != nil {
		if s.ovf.push(env) {
			return
		}
		s.dropOldestAndEnqueue(env)
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	if s.policy.Strategy == StrategyDropNewest {
		s.recordDrop("drop-newest")
		return
	}
	s.dropOldestAndEnqueue(env)
}

func (s *Subscription) dropOldestAndEnqueue(env Envelope) {
	select {
	case <-s.ch:
		s.recordDrop("drop-oldest")
	default:
	}
	select {
	case s.ch <- env:
	default:
		s.recordDrop("drop-current")
	}
}

func (s *Subscription) recordDrop(reason string) {
	count := s.dropped.Add(1)
	if s.bus == nil {
		return
	}
	s.bus.dropped.Add(1)
	name := s.name
	if name == "" {
		name = "subscription"
	}
	s.bus.logger.Printf("[eventbus] dropped event #%d for %s on topic %s (%s)", count, name, s.topic, reason)
}
