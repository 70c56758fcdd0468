// Package crowd defines the crowd-safety analysis result shared by the
// analyzer, the analysis loop, the overlay renderer and the dashboard.
//
// All spatial values are normalized to [0,1] relative to the frame, so a
// result never depends on the pixel size of the frame it was computed from.
package crowd

// RiskLevel is the coarse three-way crowd danger classification.
type RiskLevel string

// Risk levels returned by the analyzer.
const (
	RiskSafe     RiskLevel = "SAFE"
	RiskElevated RiskLevel = "RISK"
	RiskStampede RiskLevel = "STAMPEDE"
)

// RiskLevels lists every valid level in increasing severity.
var RiskLevels = []RiskLevel{RiskSafe, RiskElevated, RiskStampede}

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskElevated, RiskStampede:
		return true
	}
	return false
}

// Severity orders levels: 0 for SAFE, 1 for RISK, 2 for STAMPEDE, -1 if unknown.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskElevated:
		return 1
	case RiskStampede:
		return 2
	}
	return -1
}

// BoundingBox is a normalized box with a top-left origin.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Person is one detected individual.
type Person struct {
	Box BoundingBox `json:"box"`
}

// Metrics holds the computed crowd dynamics features.
type Metrics struct {
	Density          float64 `json:"density"`          // 0 (empty) to 1 (packed)
	Pressure         float64 `json:"pressure"`         // 0 (none) to 1 (crushing)
	VelocityVariance float64 `json:"velocityVariance"` // 0 uniform, 1 chaotic
	FlowVariance     float64 `json:"flowVariance"`     // 0 uniform, 1 chaotic
	VelocitySpikes   int     `json:"velocitySpikes"`   // count of sudden surges
}

// HeatmapPoint is a normalized position with an intensity in [0,1].
type HeatmapPoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Intensity float64 `json:"intensity"`
}

// AnalysisResult is the structured answer for a single frame.
type AnalysisResult struct {
	People    []Person       `json:"people"`
	Metrics   Metrics        `json:"metrics"`
	Heatmap   []HeatmapPoint `json:"heatmap"`
	RiskLevel RiskLevel      `json:"riskLevel"`
}

// PersonCount returns the number of detected people.
func (r *AnalysisResult) PersonCount() int {
	if r == nil {
		return 0
	}
	return len(r.People)
}

// Clone returns a deep copy so observers cannot mutate shared state.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	out.People = append([]Person(nil), r.People...)
	out.Heatmap = append([]HeatmapPoint(nil), r.Heatmap...)
	return &out
}
