package capability

import "sync"

// PermissionBridge reports whether the operating system has granted a
// platform permission. The authorization core only queries status; asking
// the user for OS permissions is the caller's job.
type PermissionBridge interface {
	IsOSPermissionGranted(permissionID string) bool
}

// MissingOSPermissions returns the OS permissions c needs that the bridge
// reports as not granted. A nil bridge treats every permission as missing.
func MissingOSPermissions(bridge PermissionBridge, c Capability) []string {
	var missing []string
	for _, id := range OSPermissionsOf(c) {
		if bridge == nil || !bridge.IsOSPermissionGranted(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// StaticBridge is a map-backed PermissionBridge.
type StaticBridge struct {
	mu      sync.RWMutex
	granted map[string]bool
}

// NewStaticBridge returns a bridge reporting the given permissions as granted.
func NewStaticBridge(granted ...string) *StaticBridge {
	b := &StaticBridge{granted: make(map[string]bool, len(granted))}
	for _, id := range granted {
		b.granted[id] = true
	}
	return b
}

// IsOSPermissionGranted implements PermissionBridge.
func (b *StaticBridge) IsOSPermissionGranted(permissionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.granted[permissionID]
}

// Set records the grant status of a permission.
func (b *StaticBridge) Set(permissionID string, granted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if granted {
		b.granted[permissionID] = true
		return
	}
	delete(b.granted, permissionID)
}
