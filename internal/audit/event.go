// Package audit records security events and maintains the derived views
// used by dashboards and the CLI.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/eventbus"
)

// TopicEvents carries every recorded Event.
var TopicEvents = eventbus.NewTopicDef[Event](eventbus.TopicSecurityEvents)

// EventType names an event variant.
type EventType string

const (
	TypeViolation         EventType = "violation"
	TypePermissionDenied  EventType = "permission_denied"
	TypePermissionGranted EventType = "permission_granted"
	TypePermissionRevoked EventType = "permission_revoked"
	TypeDataAccess        EventType = "data_access"
)

// Severity grades violations.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(name string) (Severity, bool) {
	for s := SeverityLow; s <= SeverityCritical; s++ {
		if strings.EqualFold(name, s.String()) {
			return s, true
		}
	}
	return 0, false
}

// ViolationKind classifies violations.
type ViolationKind string

const (
	KindOwnership         ViolationKind = "ownership"
	KindCrossPluginDelete ViolationKind = "cross_plugin_delete"
	KindMalformedData     ViolationKind = "malformed_data"
)

// AccessType names the data operation a DataAccess event reports.
type AccessType string

const (
	AccessWrite  AccessType = "write"
	AccessRead   AccessType = "read"
	AccessCount  AccessType = "count"
	AccessDelete AccessType = "delete"
)

// Body is the variant part of an Event. The implementations in this
// package are the only ones.
type Body interface {
	Type() EventType
	isBody()
}

type Violation struct {
	Kind     ViolationKind
	Severity Severity
	Detail   string
}

type PermissionDenied struct {
	Capability capability.Capability
	Reason     string
}

type PermissionGranted struct {
	Capability capability.Capability
	GrantedBy  string
}

type PermissionRevoked struct {
	Capability capability.Capability
	RevokedBy  string
}

type DataAccess struct {
	AccessType  AccessType
	RecordCount int
	Target      string
}

func (Violation) Type() EventType         { return TypeViolation }
func (PermissionDenied) Type() EventType  { return TypePermissionDenied }
func (PermissionGranted) Type() EventType { return TypePermissionGranted }
func (PermissionRevoked) Type() EventType { return TypePermissionRevoked }
func (DataAccess) Type() EventType        { return TypeDataAccess }

func (Violation) isBody()         {}
func (PermissionDenied) isBody()  {}
func (PermissionGranted) isBody() {}
func (PermissionRevoked) isBody() {}
func (DataAccess) isBody()        {}

// Event is one immutable audit record. ID, Seq and At are assigned by
// Monitor.Record.
type Event struct {
	ID       string
	Seq      uint64
	PluginID string
	At       time.Time
	Body     Body
}

// Type reports the variant, or "" for an event without a body.
func (e Event) Type() EventType {
	if e.Body == nil {
		return ""
	}
	return e.Body.Type()
}

// Violation returns the body as a Violation when it is one.
func (e Event) Violation() (Violation, bool) {
	v, ok := e.Body.(Violation)
	return v, ok
}

// Summary renders a one-line human description.
func (e Event) Summary() string {
	switch b := e.Body.(type) {
	case Violation:
		return fmt.Sprintf("%s violation (%s): %s", b.Kind, b.Severity, b.Detail)
	case PermissionDenied:
		return fmt.Sprintf("denied %s: %s", b.Capability, b.Reason)
	case PermissionGranted:
		return fmt.Sprintf("granted %s by %s", b.Capability, b.GrantedBy)
	case PermissionRevoked:
		return fmt.Sprintf("revoked %s by %s", b.Capability, b.RevokedBy)
	case DataAccess:
		if b.Target != "" && b.Target != e.PluginID {
			return fmt.Sprintf("%s %d record(s) of %s", b.AccessType, b.RecordCount, b.Target)
		}
		return fmt.Sprintf("%s %d record(s)", b.AccessType, b.RecordCount)
	default:
		return "unknown event"
	}
}

// NewViolation builds a Violation event for pluginID.
func NewViolation(pluginID string, kind ViolationKind, severity Severity, detail string) Event {
	return Event{PluginID: pluginID, Body: Violation{Kind: kind, Severity: severity, Detail: detail}}
}

// NewDenied builds a PermissionDenied event.
func NewDenied(pluginID string, c capability.Capability, reason string) Event {
	return Event{PluginID: pluginID, Body: PermissionDenied{Capability: c, Reason: reason}}
}

// NewGranted builds a PermissionGranted event.
func NewGranted(pluginID string, c capability.Capability, grantedBy string) Event {
	return Event{PluginID: pluginID, Body: PermissionGranted{Capability: c, GrantedBy: grantedBy}}
}

// NewRevoked builds a PermissionRevoked event.
func NewRevoked(pluginID string, c capability.Capability, revokedBy string) Event {
	return Event{PluginID: pluginID, Body: PermissionRevoked{Capability: c, RevokedBy: revokedBy}}
}

// NewDataAccess builds a DataAccess event.
func NewDataAccess(pluginID string, access AccessType, records int, target string) Event {
	return Event{PluginID: pluginID, Body: DataAccess{AccessType: access, RecordCount: records, Target: target}}
}
