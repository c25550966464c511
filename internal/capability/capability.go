// Package capability is the static catalog of permissions a plugin can
// request: every capability, its risk tier, its human description and the
// OS permissions it implies.
//
// All lookups are total over the declared variants. Adding a variant
// without extending every mapping panics on first use, which keeps the
// catalog and its tables in lockstep.
package capability

import (
	"fmt"
	"strings"
)

// Capability represents a permission that a plugin can request.
type Capability int

// Declared capabilities. Values are persisted by name, never by number.
const (
	CollectData Capability = iota + 1
	ReadOwnData
	ReadAllData
	ModifyData
	DeleteData
	ExportData
	LocalStorage
	CloudStorage
	NetworkAccess
	BackgroundExecution
	Notifications
	Location
	ActivityRecognition
	BodySensors
	Camera
	Microphone
)

var all = []Capability{
	CollectData,
	ReadOwnData,
	ReadAllData,
	ModifyData,
	DeleteData,
	ExportData,
	LocalStorage,
	CloudStorage,
	NetworkAccess,
	BackgroundExecution,
	Notifications,
	Location,
	ActivityRecognition,
	BodySensors,
	Camera,
	Microphone,
}

// All returns every declared capability in declaration order.
func All() []Capability {
	out := make([]Capability, len(all))
	copy(out, all)
	return out
}

// String returns the stable snake_case identifier used in manifests and storage.
func (c Capability) String() string {
	switch c {
	case CollectData:
		return "collect_data"
	case ReadOwnData:
		return "read_own_data"
	case ReadAllData:
		return "read_all_data"
	case ModifyData:
		return "modify_data"
	case DeleteData:
		return "delete_data"
	case ExportData:
		return "export_data"
	case LocalStorage:
		return "local_storage"
	case CloudStorage:
		return "cloud_storage"
	case NetworkAccess:
		return "network_access"
	case BackgroundExecution:
		return "background_execution"
	case Notifications:
		return "notifications"
	case Location:
		return "location"
	case ActivityRecognition:
		return "activity_recognition"
	case BodySensors:
		return "body_sensors"
	case Camera:
		return "camera"
	case Microphone:
		return "microphone"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// Valid reports whether c is a declared capability.
func (c Capability) Valid() bool {
	return c >= CollectData && c <= Microphone
}

// Parse resolves a capability from its identifier. Matching ignores case
// and surrounding whitespace; dashes are accepted in place of underscores.
func Parse(name string) (Capability, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	for _, c := range all {
		if c.String() == key {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// ParseList resolves several identifiers, failing on the first unknown one.
func ParseList(names []string) ([]Capability, error) {
	out := make([]Capability, 0, len(names))
	for _, name := range names {
		c, err := Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("cannot marshal undeclared %s", c)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Info aggregates catalog metadata about a capability for display.
type Info struct {
	Capability    Capability
	DisplayName   string
	Description   string
	Risk          Risk
	OSPermissions []string
}

// InfoOf returns the catalog entry for c.
func InfoOf(c Capability) Info {
	return Info{
		Capability:    c,
		DisplayName:   DisplayNameOf(c),
		Description:   DescriptionOf(c),
		Risk:          RiskOf(c),
		OSPermissions: OSPermissionsOf(c),
	}
}

func unmatched(fn string, c Capability) string {
	return fmt.Sprintf("capability: %s has no entry for %s", fn, c)
}
