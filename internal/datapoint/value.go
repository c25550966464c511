// Package datapoint defines the records plugins collect and the closed set
// of values they may carry.
package datapoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValueType tags the variant held by a Value.
type ValueType string

const (
	TypeNumber ValueType = "number"
	TypeText   ValueType = "text"
	TypeBool   ValueType = "bool"
	TypeChoice ValueType = "choice"
	TypeList   ValueType = "list"
)

// Limits applied by Validate.
const (
	MaxTextLen   = 4096
	MaxListLen   = 256
	MaxListDepth = 4
)

// Value is a closed tagged union. The only implementations are Number,
// Text, Bool, Choice and List.
type Value interface {
	Type() ValueType
	String() string
	isValue()
}

// Number is a finite numeric reading.
type Number float64

// Text is free-form text.
type Text string

// Bool is a yes/no answer.
type Bool bool

// Choice is one option picked from a declared list.
type Choice struct {
	Selected string
	Options  []string
}

// List is an ordered sequence of values.
type List []Value

func (Number) Type() ValueType { return TypeNumber }
func (Text) Type() ValueType   { return TypeText }
func (Bool) Type() ValueType   { return TypeBool }
func (Choice) Type() ValueType { return TypeChoice }
func (List) Type() ValueType   { return TypeList }

func (Number) isValue() {}
func (Text) isValue()   {}
func (Bool) isValue()   {}
func (Choice) isValue() {}
func (List) isValue()   {}

func (n Number) String() string { return strconv.FormatFloat(float64(n), 'f', -1, 64) }
func (t Text) String() string   { return string(t) }
func (b Bool) String() string   { return strconv.FormatBool(bool(b)) }
func (c Choice) String() string { return c.Selected }

func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		if v == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Validate checks a value against the structural limits. Every variant is
// handled explicitly; an unknown implementation is rejected.
func Validate(v Value) error {
	return validateValue(v, 0)
}

func validateValue(v Value, depth int) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("value is missing")
	case Number:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("number must be finite")
		}
	case Text:
		if !utf8.ValidString(string(val)) {
			return fmt.Errorf("text is not valid UTF-8")
		}
		if len(val) > MaxTextLen {
			return fmt.Errorf("text exceeds %d bytes", MaxTextLen)
		}
	case Bool:
	case Choice:
		if len(val.Options) == 0 {
			return fmt.Errorf("choice declares no options")
		}
		found := false
		for _, opt := range val.Options {
			if opt == val.Selected {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("choice %q is not one of %v", val.Selected, val.Options)
		}
	case List:
		if depth >= MaxListDepth {
			return fmt.Errorf("list nesting exceeds %d levels", MaxListDepth)
		}
		if len(val) > MaxListLen {
			return fmt.Errorf("list exceeds %d items", MaxListLen)
		}
		for i, item := range val {
			if err := validateValue(item, depth+1); err != nil {
				return fmt.Errorf("list item %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// wireValue is the JSON shape of a Value.
type wireValue struct {
	Type    ValueType         `json:"type"`
	Number  *float64          `json:"number,omitempty"`
	Text    *string           `json:"text,omitempty"`
	Bool    *bool             `json:"bool,omitempty"`
	Choice  *string           `json:"choice,omitempty"`
	Options []string          `json:"options,omitempty"`
	Items   []json.RawMessage `json:"items,omitempty"`
}

// MarshalValue encodes v as tagged JSON.
func MarshalValue(v Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(v Value) (wireValue, error) {
	switch val := v.(type) {
	case Number:
		f := float64(val)
		return wireValue{Type: TypeNumber, Number: &f}, nil
	case Text:
		s := string(val)
		return wireValue{Type: TypeText, Text: &s}, nil
	case Bool:
		b := bool(val)
		return wireValue{Type: TypeBool, Bool: &b}, nil
	case Choice:
		s := val.Selected
		return wireValue{Type: TypeChoice, Choice: &s, Options: val.Options}, nil
	case List:
		items := make([]json.RawMessage, 0, len(val))
		for i, item := range val {
			raw, err := MarshalValue(item)
			if err != nil {
				return wireValue{}, fmt.Errorf("list item %d: %w", i, err)
			}
			items = append(items, raw)
		}
		return wireValue{Type: TypeList, Items: items}, nil
	default:
		return wireValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// UnmarshalValue decodes tagged JSON produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	switch w.Type {
	case TypeNumber:
		if w.Number == nil {
			return nil, fmt.Errorf("number value missing")
		}
		return Number(*w.Number), nil
	case TypeText:
		if w.Text == nil {
			return nil, fmt.Errorf("text value missing")
		}
		return Text(*w.Text), nil
	case TypeBool:
		if w.Bool == nil {
			return nil, fmt.Errorf("bool value missing")
		}
		return Bool(*w.Bool), nil
	case TypeChoice:
		if w.Choice == nil {
			return nil, fmt.Errorf("choice value missing")
		}
		return Choice{Selected: *w.Choice, Options: w.Options}, nil
	case TypeList:
		list := make(List, 0, len(w.Items))
		for i, raw := range w.Items {
			item, err := UnmarshalValue(raw)
			if err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
			list = append(list, item)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", w.Type)
	}
}

// ParseValue interprets command-line input: numbers and booleans are
// recognised, anything else is text.
func ParseValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return Bool(b)
	}
	return Text(raw)
}
