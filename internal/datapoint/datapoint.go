package datapoint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nupi-ai/habitvault/internal/validate"
)

// ErrForeignID is returned by stores when a save reuses the id of another
// plugin's data point.
var ErrForeignID = errors.New("data point id belongs to another plugin")

// DataPoint is one collected observation. It belongs exclusively to the
// plugin named by PluginID.
type DataPoint struct {
	ID         string
	PluginID   string
	Metric     string
	Value      Value
	Note       string
	RecordedAt time.Time
}

// New creates a data point with a fresh id, stamped now.
func New(pluginID, metric string, value Value) DataPoint {
	return DataPoint{
		ID:         uuid.NewString(),
		PluginID:   pluginID,
		Metric:     metric,
		Value:      value,
		RecordedAt: time.Now().UTC(),
	}
}

// Check validates the record shape. Ownership is not checked here.
func (d DataPoint) Check() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("data point id is required")
	}
	if _, err := uuid.Parse(d.ID); err != nil {
		return fmt.Errorf("data point id %q is not a uuid", d.ID)
	}
	if !validate.Ident(d.PluginID) {
		return fmt.Errorf("data point plugin id %q is invalid", d.PluginID)
	}
	if !validate.Metric(d.Metric) {
		return fmt.Errorf("metric %q is invalid", d.Metric)
	}
	if d.RecordedAt.IsZero() {
		return fmt.Errorf("recorded time is required")
	}
	if len(d.Note) > MaxTextLen {
		return fmt.Errorf("note exceeds %d bytes", MaxTextLen)
	}
	if err := Validate(d.Value); err != nil {
		return fmt.Errorf("metric %s: %w", d.Metric, err)
	}
	return nil
}
