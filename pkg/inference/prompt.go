package inference

// schema is the subset of the OpenAPI schema object accepted by
// generationConfig.responseSchema.
type schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*schema `json:"properties,omitempty"`
	Items       *schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

func number(desc string) *schema { return &schema{Type: "NUMBER", Description: desc} }

// analysisSchema constrains the model output to crowd.AnalysisResult.
var analysisSchema = &schema{
	Type: "OBJECT",
	Properties: map[string]*schema{
		"people": {
			Type:        "ARRAY",
			Description: "Every person detected in the frame.",
			Items: &schema{
				Type: "OBJECT",
				Properties: map[string]*schema{
					"box": {
						Type:        "OBJECT",
						Description: "Bounding box normalized to the frame (0.0-1.0).",
						Properties: map[string]*schema{
							"x":      number(""),
							"y":      number(""),
							"width":  number(""),
							"height": number(""),
						},
						Required: []string{"x", "y", "width", "height"},
					},
				},
				Required: []string{"box"},
			},
		},
		"metrics": {
			Type:        "OBJECT",
			Description: "Crowd dynamics features.",
			Properties: map[string]*schema{
				"density":          number("Crowd density, 0 empty to 1 packed."),
				"pressure":         number("Crowd pressure, 0 none to 1 crushing."),
				"velocityVariance": number("Speed variance, 0 uniform to 1 chaotic."),
				"flowVariance":     number("Direction variance, 0 uniform to 1 chaotic."),
				"velocitySpikes":   {Type: "INTEGER", Description: "Number of sudden surges."},
			},
			Required: []string{"density", "pressure", "velocityVariance", "flowVariance", "velocitySpikes"},
		},
		"heatmap": {
			Type:        "ARRAY",
			Description: "Points of crowd concentration for a heatmap.",
			Items: &schema{
				Type: "OBJECT",
				Properties: map[string]*schema{
					"x":         number("Normalized x."),
					"y":         number("Normalized y."),
					"intensity": number("Intensity, 0 to 1."),
				},
				Required: []string{"x", "y", "intensity"},
			},
		},
		"riskLevel": {
			Type:        "STRING",
			Enum:        []string{"SAFE", "RISK", "STAMPEDE"},
			Description: "Stampede risk classification.",
		},
	},
	Required: []string{"people", "metrics", "heatmap", "riskLevel"},
}

// systemInstruction frames the model as a person detector plus risk classifier.
const systemInstruction = `You are SafeFlow, a crowd-safety vision system acting as a YOLOv8-style person detector and a stampede risk classifier.
For the supplied image:
1. Detect every person and return a bounding box normalized to the image (x, y, width, height in 0.0-1.0).
2. Estimate crowd dynamics: density, pressure, velocity variance, flow variance and the number of velocity spikes.
3. Produce heatmap points (normalized x, y and an intensity) where the crowd is most concentrated.
4. Classify the scene as SAFE, RISK or STAMPEDE from those features.

Respond with exactly one JSON object matching the response schema and nothing else.`
