// Package authz defines the error taxonomy shared by the authorization core.
//
// Every failure the ledger, gateway and lifecycle controller return is one
// of the typed errors below. Callers match them with errors.As, or with
// errors.Is against the sentinel of the same class.
package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nupi-ai/habitvault/internal/capability"
)

// Error classes.
var (
	// ErrPermissionDenied is returned when a capability is not granted.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOwnershipViolation is returned when a plugin touches data it does not own.
	ErrOwnershipViolation = errors.New("ownership violation")

	// ErrSecurityViolation is returned for generic policy breaches.
	ErrSecurityViolation = errors.New("security violation")

	// ErrConfiguration is returned when a manifest or grant request contradicts
	// the declared configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrStorage is returned when the durable store fails.
	ErrStorage = errors.New("storage failure")

	// ErrNotRegistered is returned for plugin ids absent from the registry.
	ErrNotRegistered = errors.New("plugin not registered")
)

// PermissionDeniedError reports a missing capability. It is recoverable by
// granting the capability.
type PermissionDeniedError struct {
	PluginID   string
	Capability capability.Capability
	Reason     string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("plugin %q: capability %s not granted", e.PluginID, e.Capability)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is match the class sentinel.
func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// OwnershipViolationError reports an attempt to write or delete data owned by
// another plugin. It is fatal for the call regardless of granted capabilities.
type OwnershipViolationError struct {
	PluginID  string
	OwnerID   string
	Operation string
}

func (e *OwnershipViolationError) Error() string {
	return fmt.Sprintf("plugin %q attempted %s on data owned by %q", e.PluginID, e.Operation, e.OwnerID)
}

// Is lets errors.Is match the class sentinel.
func (e *OwnershipViolationError) Is(target error) bool { return target == ErrOwnershipViolation }

// SecurityViolationError reports a generic policy breach.
type SecurityViolationError struct {
	PluginID string
	Kind     string
	Detail   string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %s", e.PluginID, e.Kind, e.Detail)
}

// Is lets errors.Is match the class sentinel.
func (e *SecurityViolationError) Is(target error) bool { return target == ErrSecurityViolation }

// ConfigurationError reports a manifest or capability mismatch. A plugin
// whose manifest fails with this error is excluded from the registry.
type ConfigurationError struct {
	PluginID string
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.PluginID != "" {
		fmt.Fprintf(&b, " for plugin %q", e.PluginID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is lets errors.Is match the class sentinel.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotRegistered reports an unknown plugin id. It matches both
// ErrConfiguration and ErrNotRegistered.
func NotRegistered(pluginID string) error {
	return &ConfigurationError{PluginID: pluginID, Field: "plugin", Reason: ErrNotRegistered.Error(), Err: ErrNotRegistered}
}

// StorageError wraps a failure of the external store. It is not a security
// failure and is surfaced to the caller as-is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is match the class sentinel.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// ConsentRequiredError is returned when enabling a non-official plugin whose
// grants do not cover its manifest.
type ConsentRequiredError struct {
	PluginID string
	Missing  capability.Set
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("plugin %q requires explicit consent for %s", e.PluginID, e.Missing)
}

// Unwrap exposes the denial for the riskiest missing capability.
func (e *ConsentRequiredError) Unwrap() error {
	var first capability.Capability
	if caps := e.Missing.ByRisk(); len(caps) > 0 {
		first = caps[0]
	}
	return &PermissionDeniedError{
		PluginID:   e.PluginID,
		Capability: first,
		Reason:     "explicit consent required",
	}
}

// LifecycleError reports a failed enable or disable transition. The plugin
// state records the failure; the error is always recoverable.
type LifecycleError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s plugin %q: %v", e.Op, e.PluginID, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsPermissionDenied returns true when err is (or wraps) a PermissionDeniedError.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsOwnershipViolation returns true when err is (or wraps) an OwnershipViolationError.
func IsOwnershipViolation(err error) bool { return errors.Is(err, ErrOwnershipViolation) }

// IsConfiguration returns true when err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsStorage returns true when err is (or wraps) a StorageError.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
