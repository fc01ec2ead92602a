// Package pattern classifies a batch of API endpoints into a workload
// archetype and recommends worker bounds for it. Analyze is pure: the same
// endpoints always produce the same APIPattern.
package pattern

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoint describes one work item for analysis.
type Endpoint struct {
	ID          string   `json:"id,omitempty"`
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	PathParams  []string `json:"path_params,omitempty"`
	QueryParams []string `json:"query_params,omitempty"`
	// RequestBody is a JSON Schema fragment for the request payload.
	RequestBody map[string]any `json:"request_body,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Security    []string       `json:"security,omitempty"`
	// Responses counts documented responses that carry a body.
	Responses int    `json:"responses,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// Key identifies the endpoint when no explicit ID is set.
func (e Endpoint) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return strings.ToUpper(e.Method) + " " + e.Path
}

// pathParams returns declared path params, or the {name} segments of the path.
func (e Endpoint) pathParams() []string {
	if len(e.PathParams) > 0 {
		return e.PathParams
	}
	var out []string
	for _, seg := range strings.Split(e.Path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			out = append(out, strings.Trim(seg, "{}"))
		}
	}
	return out
}

// Level is the overall complexity rating.
type Level int

const (
	LevelSimple Level = iota + 1
	LevelMedium
	LevelComplex
	LevelVeryComplex
)

func (l Level) String() string {
	switch l {
	case LevelSimple:
		return "simple"
	case LevelMedium:
		return "medium"
	case LevelComplex:
		return "complex"
	case LevelVeryComplex:
		return "very_complex"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for c := LevelSimple; c <= LevelVeryComplex; c++ {
		if c.String() == s {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown complexity level %q", s)
}

// ComplexityMetrics are the inputs and result of the complexity rating.
// Every score is in [0, 10].
type ComplexityMetrics struct {
	EndpointCount       int            `json:"endpoint_count"`
	MethodDistribution  map[string]int `json:"method_distribution"`
	ParameterComplexity float64        `json:"parameter_complexity"`
	AuthComplexity      float64        `json:"auth_complexity"`
	SchemaDepthAvg      float64        `json:"schema_depth_avg"`
	BusinessDependency  float64        `json:"business_dependency"`
	MethodDiversity     float64        `json:"method_diversity"`
	WeightedScore       float64        `json:"weighted_score"`
	Level               Level          `json:"level"`

	EstimatedTestCasesPerEndpoint int     `json:"estimated_test_cases_per_endpoint"`
	EstimatedProcessingMinutes    float64 `json:"estimated_processing_minutes"`
}

// APIPattern is the immutable analysis result for one workload.
type APIPattern struct {
	Name        string            `json:"name"`
	Confidence  float64           `json:"confidence"`
	Complexity  ComplexityMetrics `json:"complexity"`
	SafeStart   int               `json:"safe_start_workers"`
	Optimal     int               `json:"optimal_workers"`
	Max         int               `json:"max_workers"`
	Features    []string          `json:"detected_features"`
	RiskFactors []string          `json:"risk_factors"`
}

// HasRisk reports whether name is among the risk factors.
func (p APIPattern) HasRisk(name string) bool {
	for _, r := range p.RiskFactors {
		if r == name {
			return true
		}
	}
	return false
}

const (
	GenericName         = "Generic API"
	genericConfidence   = 0.5
	minConfidence       = 0.3
	globalWorkerCeiling = 10
)

// Risk factor names.
const (
	RiskHighComplexity        = "high_complexity"
	RiskLargeSurface          = "large_api_surface"
	RiskDeepNesting           = "deep_nesting"
	RiskComplexParameters     = "complex_parameters"
	RiskComplexAuthentication = "complex_authentication"
	RiskUnbalancedMethods     = "unbalanced_methods"
)
