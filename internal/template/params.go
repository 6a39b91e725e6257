package template

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params is the stored parameter map of one job, read through typed
// accessors. Accessors never fail: missing or mistyped values fall back to
// the provided default, and numeric values are clamped to the spec's
// min/max when the accessor is built from a spec.
type Params map[string]any

func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			return def
		}
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return def
}

// IntClamped reads an int and clamps it to the spec's declared min/max.
func (p Params) IntClamped(spec ParamSpec, def int) int {
	n := p.Int(spec.Name, def)
	if spec.Min != nil && float64(n) < *spec.Min {
		n = int(math.Ceil(*spec.Min))
	}
	if spec.Max != nil && float64(n) > *spec.Max {
		n = int(math.Floor(*spec.Max))
	}
	return n
}

// Validate checks params against the template's declared schema: required
// presence, enum membership, and numeric range. It reports the first
// violation.
func Validate(tpl Template, params Params) error {
	for _, spec := range tpl.Params {
		v, present := params[spec.Name]
		if !present || v == nil {
			if spec.Required && spec.Default == nil {
				return fmt.Errorf("template %s: missing required param %q", tpl.ID, spec.Name)
			}
			continue
		}
		switch spec.Type {
		case TypeNumber:
			f := params.Float(spec.Name, math.NaN())
			if math.IsNaN(f) {
				return fmt.Errorf("template %s: param %q is not a number", tpl.ID, spec.Name)
			}
			if spec.Min != nil && f < *spec.Min {
				return fmt.Errorf("template %s: param %q below minimum %v", tpl.ID, spec.Name, *spec.Min)
			}
			if spec.Max != nil && f > *spec.Max {
				return fmt.Errorf("template %s: param %q above maximum %v", tpl.ID, spec.Name, *spec.Max)
			}
		case TypeEnum:
			s := params.String(spec.Name, "")
			ok := false
			for _, opt := range spec.Options {
				if s == opt {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("template %s: param %q must be one of %v", tpl.ID, spec.Name, spec.Options)
			}
		case TypeBoolean:
			switch v.(type) {
			case bool:
			case string, float64, int:
				// coercible forms accepted
			default:
				return fmt.Errorf("template %s: param %q is not a boolean", tpl.ID, spec.Name)
			}
		}
	}
	return nil
}

// Ptr is a convenience for building Min/Max bounds in template schemas.
func Ptr(f float64) *float64 { return &f }
