package eventbus

// Priority classifies a topic's importance for delivery guarantees.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest evicts the oldest queued event to make room.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow spills into a capped ring drained in FIFO order.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	Priority    Priority
	MaxOverflow int // ring cap for StrategyOverflow; 0 means defaultMaxOverflow
}

const defaultMaxOverflow = 1024

var defaultPolicy = DeliveryPolicy{Strategy: StrategyDropOldest, Priority: PriorityNormal}

// Audit sinks must see every security event, so that topic never drops
// while the overflow ring has room.
var defaultPolicies = map[Topic]DeliveryPolicy{
	TopicSecurityEvents:   {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicPluginsState:     {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: 256},
	TopicPluginsDiscovery: {Strategy: StrategyDropNewest, Priority: PriorityLow},
}

func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if p, ok := overrides[topic]; ok {
		return p
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
