// Package lifecycle drives plugins between registered, enabled, disabled
// and error states, gating enablement on the permission ledger.
package lifecycle

import (
	"context"
	"time"

	"github.com/nupi-ai/habitvault/internal/eventbus"
)

// State is a plugin lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateDisabled   State = "disabled"
	StateEnabled    State = "enabled"
	StateError      State = "error"
)

// RuntimeState is the per-plugin runtime record. Values are immutable
// once published; the controller replaces them wholesale.
type RuntimeState struct {
	PluginID         string
	State            State
	IsEnabled        bool
	IsCollecting     bool
	ErrorCount       int
	LastError        string
	LastCollectionAt time.Time
	UpdatedAt        time.Time
}

// StateChange is published on TopicStates after every transition.
type StateChange struct {
	PluginID string
	From     State
	To       State
	Op       string
	State    RuntimeState
}

// TopicStates carries StateChange payloads.
var TopicStates = eventbus.NewTopicDef[StateChange](eventbus.TopicPluginsState)

// StateStore persists runtime states.
type StateStore interface {
	LoadStates(ctx context.Context) ([]RuntimeState, error)
	SaveState(ctx context.Context, st RuntimeState) error
}
