package crowd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResult is wrapped by every SchemaError.
var ErrInvalidResult = errors.New("crowd: invalid analysis result")

// SchemaError describes why a payload does not conform to AnalysisResult.
type SchemaError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("crowd: invalid analysis result: %s", e.Reason)
	}
	return fmt.Sprintf("crowd: invalid analysis result: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidResult and any decode error.
func (e *SchemaError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidResult, e.Err}
	}
	return []error{ErrInvalidResult}
}

func schemaErr(field, format string, args ...any) *SchemaError {
	return &SchemaError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ParseResult strictly decodes an analyzer payload.
// Missing required fields, unknown risk levels, values outside [0,1] and
// negative spike counts are all rejected; nothing is defaulted.
func ParseResult(data []byte) (*AnalysisResult, error) {
	data = bytes.TrimSpace(stripCodeFence(data))

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaError{Reason: "malformed JSON", Err: err}
	}
	if err := requireKeys("", raw, "people", "metrics", "heatmap", "riskLevel"); err != nil {
		return nil, err
	}

	var metricsRaw map[string]json.RawMessage
	if err := json.Unmarshal(raw["metrics"], &metricsRaw); err != nil {
		return nil, &SchemaError{Field: "metrics", Reason: "not an object", Err: err}
	}
	if err := requireKeys("metrics.", metricsRaw, "density", "pressure", "velocityVariance", "flowVariance", "velocitySpikes"); err != nil {
		return nil, err
	}

	if err := requireItems("people", raw["people"], func(field string, item map[string]json.RawMessage) error {
		if err := requireKeys(field+".", item, "box"); err != nil {
			return err
		}
		box, err := object(field+".box", item["box"])
		if err != nil {
			return err
		}
		return requireKeys(field+".box.", box, "x", "y", "width", "height")
	}); err != nil {
		return nil, err
	}
	if err := requireItems("heatmap", raw["heatmap"], func(field string, item map[string]json.RawMessage) error {
		return requireKeys(field+".", item, "x", "y", "intensity")
	}); err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &SchemaError{Reason: "type mismatch", Err: err}
	}
	if result.People == nil {
		result.People = []Person{}
	}
	if result.Heatmap == nil {
		result.Heatmap = []HeatmapPoint{}
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

// Validate checks value ranges and the risk enum.
func (r *AnalysisResult) Validate() error {
	if !r.RiskLevel.Valid() {
		return schemaErr("riskLevel", "unknown value %q", r.RiskLevel)
	}

	m := r.Metrics
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"metrics.density", m.Density},
		{"metrics.pressure", m.Pressure},
		{"metrics.velocityVariance", m.VelocityVariance},
		{"metrics.flowVariance", m.FlowVariance},
	} {
		if !unit(f.v) {
			return schemaErr(f.name, "%v outside [0,1]", f.v)
		}
	}
	if m.VelocitySpikes < 0 {
		return schemaErr("metrics.velocitySpikes", "negative count %d", m.VelocitySpikes)
	}

	for i, p := range r.People {
		b := p.Box
		if !unit(b.X) || !unit(b.Y) || !unit(b.Width) || !unit(b.Height) {
			return schemaErr(fmt.Sprintf("people[%d].box", i), "coordinates outside [0,1]")
		}
	}
	for i, h := range r.Heatmap {
		if !unit(h.X) || !unit(h.Y) || !unit(h.Intensity) {
			return schemaErr(fmt.Sprintf("heatmap[%d]", i), "values outside [0,1]")
		}
	}
	return nil
}

func requireKeys(prefix string, obj map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || string(v) == "null" {
			return schemaErr(prefix+k, "required field missing")
		}
	}
	return nil
}

// object decodes a raw JSON object for key checks.
func object(field string, data json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, &SchemaError{Field: field, Reason: "not an object", Err: err}
	}
	return obj, nil
}

// requireItems runs check over every object in a JSON array.
func requireItems(field string, data json.RawMessage, check func(field string, item map[string]json.RawMessage) error) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return &SchemaError{Field: field, Reason: "not an array", Err: err}
	}
	for i, raw := range items {
		name := fmt.Sprintf("%s[%d]", field, i)
		item, err := object(name, raw)
		if err != nil {
			return err
		}
		if err := check(name, item); err != nil {
			return err
		}
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(data []byte) []byte {
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, "```") {
		return data
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(s)
}
