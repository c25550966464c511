package capability

// Risk indicates how dangerous a capability is.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns a string representation of the risk level.
func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRisk resolves a risk tier from its name.
func ParseRisk(name string) (Risk, bool) {
	for _, r := range []Risk{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		if r.String() == name {
			return r, true
		}
	}
	return 0, false
}

// RiskOf returns the risk tier of c.
func RiskOf(c Capability) Risk {
	switch c {
	case CollectData, ReadOwnData, LocalStorage, Notifications:
		return RiskLow
	case ModifyData, BackgroundExecution, ActivityRecognition:
		return RiskMedium
	case ReadAllData, DeleteData, ExportData, NetworkAccess, CloudStorage,
		Location, BodySensors, Camera:
		return RiskHigh
	case Microphone:
		return RiskCritical
	default:
		panic(unmatched("RiskOf", c))
	}
}

// DisplayNameOf returns a short human-readable name for c.
func DisplayNameOf(c Capability) string {
	switch c {
	case CollectData:
		return "Collect Data"
	case ReadOwnData:
		return "Read Own Data"
	case ReadAllData:
		return "Read All Data"
	case ModifyData:
		return "Modify Data"
	case DeleteData:
		return "Delete Data"
	case ExportData:
		return "Export Data"
	case LocalStorage:
		return "Local Storage"
	case CloudStorage:
		return "Cloud Storage"
	case NetworkAccess:
		return "Network Access"
	case BackgroundExecution:
		return "Background Execution"
	case Notifications:
		return "Notifications"
	case Location:
		return "Location"
	case ActivityRecognition:
		return "Activity Recognition"
	case BodySensors:
		return "Body Sensors"
	case Camera:
		return "Camera"
	case Microphone:
		return "Microphone"
	default:
		panic(unmatched("DisplayNameOf", c))
	}
}

// DescriptionOf explains what c allows, phrased for a consent prompt.
func DescriptionOf(c Capability) string {
	switch c {
	case CollectData:
		return "Record new entries about your behavior"
	case ReadOwnData:
		return "Read the entries this plugin recorded"
	case ReadAllData:
		return "Read entries recorded by every other plugin"
	case ModifyData:
		return "Change entries this plugin recorded"
	case DeleteData:
		return "Permanently delete entries this plugin recorded"
	case ExportData:
		return "Copy your entries out of the vault"
	case LocalStorage:
		return "Keep private working files on this device"
	case CloudStorage:
		return "Store your entries with a cloud provider"
	case NetworkAccess:
		return "Send and receive data over the network"
	case BackgroundExecution:
		return "Keep running while the app is closed"
	case Notifications:
		return "Show reminders and notifications"
	case Location:
		return "Access your precise and approximate location"
	case ActivityRecognition:
		return "Detect walking, running and other physical activity"
	case BodySensors:
		return "Read heart rate and other body sensors"
	case Camera:
		return "Take photos and video"
	case Microphone:
		return "Record audio from the microphone"
	default:
		panic(unmatched("DescriptionOf", c))
	}
}

// OSPermissionsOf returns the platform permission identifiers c depends on.
// The result is empty, never nil, when c needs no OS permission.
func OSPermissionsOf(c Capability) []string {
	switch c {
	case CollectData, ReadOwnData, ReadAllData, ModifyData, DeleteData,
		ExportData, LocalStorage:
		return []string{}
	case CloudStorage, NetworkAccess:
		return []string{"android.permission.INTERNET"}
	case BackgroundExecution:
		return []string{"android.permission.FOREGROUND_SERVICE"}
	case Notifications:
		return []string{"android.permission.POST_NOTIFICATIONS"}
	case Location:
		return []string{
			"android.permission.ACCESS_FINE_LOCATION",
			"android.permission.ACCESS_COARSE_LOCATION",
		}
	case ActivityRecognition:
		return []string{"android.permission.ACTIVITY_RECOGNITION"}
	case BodySensors:
		return []string{"android.permission.BODY_SENSORS"}
	case Camera:
		return []string{"android.permission.CAMERA"}
	case Microphone:
		return []string{"android.permission.RECORD_AUDIO"}
	default:
		panic(unmatched("OSPermissionsOf", c))
	}
}

// AtLeast returns the declared capabilities whose risk is at or above r.
func AtLeast(r Risk) []Capability {
	var out []Capability
	for _, c := range all {
		if RiskOf(c) >= r {
			out = append(out, c)
		}
	}
	return out
}
