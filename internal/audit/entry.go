package audit

import (
	"fmt"
	"time"

	"github.com/nupi-ai/habitvault/internal/capability"
)

// Entry is the flat, serialisable form of an Event. Field order is fixed
// so json.Marshal output is stable for hash chaining.
type Entry struct {
	ID          string `json:"id"`
	Seq         uint64 `json:"seq"`
	PluginID    string `json:"plugin_id"`
	At          string `json:"at"`
	Type        string `json:"type"`
	Severity    string `json:"severity,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Capability  string `json:"capability,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Detail      string `json:"detail,omitempty"`
	AccessType  string `json:"access_type,omitempty"`
	RecordCount int    `json:"record_count,omitempty"`
	Target      string `json:"target,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
}

const timeLayout = time.RFC3339Nano

// EntryOf flattens ev.
func EntryOf(ev Event) Entry {
	e := Entry{
		ID:       ev.ID,
		Seq:      ev.Seq,
		PluginID: ev.PluginID,
		At:       ev.At.UTC().Format(timeLayout),
		Type:     string(ev.Type()),
	}
	switch b := ev.Body.(type) {
	case Violation:
		e.Kind = string(b.Kind)
		e.Severity = b.Severity.String()
		e.Detail = b.Detail
	case PermissionDenied:
		e.Capability = b.Capability.String()
		e.Detail = b.Reason
	case PermissionGranted:
		e.Capability = b.Capability.String()
		e.Actor = b.GrantedBy
	case PermissionRevoked:
		e.Capability = b.Capability.String()
		e.Actor = b.RevokedBy
	case DataAccess:
		e.AccessType = string(b.AccessType)
		e.RecordCount = b.RecordCount
		e.Target = b.Target
	}
	return e
}

// Event rebuilds the typed event from its flat form.
func (e Entry) Event() (Event, error) {
	at, err := time.Parse(timeLayout, e.At)
	if err != nil {
		return Event{}, fmt.Errorf("audit: parse time %q: %w", e.At, err)
	}
	ev := Event{ID: e.ID, Seq: e.Seq, PluginID: e.PluginID, At: at}

	parseCap := func() (capability.Capability, error) {
		c, err := capability.Parse(e.Capability)
		if err != nil {
			return 0, fmt.Errorf("audit: event %s: %w", e.ID, err)
		}
		return c, nil
	}

	switch EventType(e.Type) {
	case TypeViolation:
		sev, ok := ParseSeverity(e.Severity)
		if !ok {
			return Event{}, fmt.Errorf("audit: event %s: unknown severity %q", e.ID, e.Severity)
		}
		ev.Body = Violation{Kind: ViolationKind(e.Kind), Severity: sev, Detail: e.Detail}
	case TypePermissionDenied:
		c, err := parseCap()
		if err != nil {
			return Event{}, err
		}
		ev.Body = PermissionDenied{Capability: c, Reason: e.Detail}
	case TypePermissionGranted:
		c, err := parseCap()
		if err != nil {
			return Event{}, err
		}
		ev.Body = PermissionGranted{Capability: c, GrantedBy: e.Actor}
	case TypePermissionRevoked:
		c, err := parseCap()
		if err != nil {
			return Event{}, err
		}
		ev.Body = PermissionRevoked{Capability: c, RevokedBy: e.Actor}
	case TypeDataAccess:
		ev.Body = DataAccess{AccessType: AccessType(e.AccessType), RecordCount: e.RecordCount, Target: e.Target}
	default:
		return Event{}, fmt.Errorf("audit: event %s: unknown type %q", e.ID, e.Type)
	}
	return ev, nil
}
