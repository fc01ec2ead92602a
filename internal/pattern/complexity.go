package pattern

import (
	"math"
	"sort"
	"strings"
)

// Weights of the complexity dimensions. They sum to 1.
const (
	weightEndpointCount   = 0.25
	weightParameters      = 0.20
	weightAuth            = 0.15
	weightSchemaDepth     = 0.20
	weightDependency      = 0.10
	weightMethodDiversity = 0.10
)

const maxScore = 10.0

func capScore(v float64) float64 {
	return math.Min(v, maxScore)
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func computeComplexity(endpoints []Endpoint) ComplexityMetrics {
	m := ComplexityMetrics{
		EndpointCount:      len(endpoints),
		MethodDistribution: make(map[string]int),
	}
	paramScores := make([]float64, 0, len(endpoints))
	var depths []float64
	for _, ep := range endpoints {
		m.MethodDistribution[strings.ToUpper(ep.Method)]++

		score := float64(len(ep.pathParams()))*1.0 + float64(len(ep.QueryParams))*0.8
		if len(ep.RequestBody) > 0 {
			score += schemaComplexity(ep.RequestBody) * 1.5
			depths = append(depths, float64(schemaDepth(ep.RequestBody, 0)))
		}
		paramScores = append(paramScores, score)
		// Response bodies count as depth 2; their schemas are not inspected.
		for i := 0; i < ep.Responses; i++ {
			depths = append(depths, 2)
		}
	}

	m.ParameterComplexity = capScore(mean(paramScores))
	m.AuthComplexity = authComplexity(endpoints)
	if len(depths) > 0 {
		m.SchemaDepthAvg = mean(depths)
	} else {
		m.SchemaDepthAvg = 1
	}
	m.BusinessDependency = businessDependency(endpoints)
	m.MethodDiversity = capScore(float64(len(m.MethodDistribution)) * 2)

	m.WeightedScore = weightEndpointCount*capScore(float64(m.EndpointCount)/10) +
		weightParameters*m.ParameterComplexity +
		weightAuth*m.AuthComplexity +
		weightSchemaDepth*capScore(m.SchemaDepthAvg) +
		weightDependency*m.BusinessDependency +
		weightMethodDiversity*m.MethodDiversity
	m.Level = complexityLevel(m.EndpointCount, m.WeightedScore)
	m.EstimatedTestCasesPerEndpoint = testCasesPerEndpoint(m.Level)
	m.EstimatedProcessingMinutes = processingMinutes(m.EndpointCount, m.Level)
	return m
}

// complexityLevel combines a size-based floor with the weighted score. A
// low score always reads as simple.
func complexityLevel(count int, score float64) Level {
	var base Level
	switch {
	case count <= 20:
		base = LevelSimple
	case count <= 50:
		base = LevelMedium
	case count <= 100:
		base = LevelComplex
	default:
		base = LevelVeryComplex
	}
	switch {
	case score < 3:
		return LevelSimple
	case score < 5:
		return max(base, LevelMedium)
	case score < 7:
		return max(base, LevelComplex)
	default:
		return LevelVeryComplex
	}
}

func schemaComplexity(schema map[string]any) float64 {
	var c float64
	props, _ := schema["properties"].(map[string]any)
	c += float64(len(props)) * 0.5
	if req, ok := schema["required"].([]any); ok {
		c += float64(len(req)) * 0.3
	}
	// Counted first so the sum does not depend on map order.
	objects, arrays := 0, 0
	for _, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch prop["type"] {
		case "object":
			objects++
		case "array":
			arrays++
		}
	}
	c += float64(objects)*1.0 + float64(arrays)*0.8
	return capScore(c)
}

func schemaDepth(schema map[string]any, depth int) int {
	deepest := depth
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				deepest = max(deepest, schemaDepth(prop, depth+1))
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		deepest = max(deepest, schemaDepth(items, depth+1))
	}
	return deepest
}

// authComplexity blends the share of secured endpoints with the number of
// distinct security schemes in use.
func authComplexity(endpoints []Endpoint) float64 {
	if len(endpoints) == 0 {
		return 0
	}
	schemes := make(map[string]struct{})
	secured := 0
	for _, ep := range endpoints {
		if len(ep.Security) == 0 {
			continue
		}
		secured++
		for _, s := range ep.Security {
			schemes[strings.ToLower(s)] = struct{}{}
		}
	}
	ratio := float64(secured) / float64(len(endpoints))
	return capScore(ratio*5 + float64(len(schemes))*2)
}

// businessDependency estimates coupling from path depth and the number of
// distinct resources named in paths.
func businessDependency(endpoints []Endpoint) float64 {
	depths := make([]float64, 0, len(endpoints))
	resources := make(map[string]struct{})
	for _, ep := range endpoints {
		depth := 0
		for _, seg := range strings.Split(ep.Path, "/") {
			if seg == "" || strings.HasPrefix(seg, "{") {
				continue
			}
			depth++
			if !isVersionSegment(seg) {
				resources[seg] = struct{}{}
			}
		}
		depths = append(depths, float64(depth))
	}
	return capScore(mean(depths) + float64(len(resources))*0.5)
}

func isVersionSegment(seg string) bool {
	if len(seg) < 2 || (seg[0] != 'v' && seg[0] != 'V') {
		return false
	}
	for _, r := range seg[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func testCasesPerEndpoint(l Level) int {
	switch l {
	case LevelSimple:
		return 5
	case LevelComplex:
		return 8
	case LevelVeryComplex:
		return 10
	default:
		return 6
	}
}

// processingMinutes estimates total run time, assuming larger batches gain
// from concurrency.
func processingMinutes(count int, l Level) float64 {
	perEndpoint := map[Level]float64{
		LevelSimple:      0.5,
		LevelMedium:      0.8,
		LevelComplex:     1.2,
		LevelVeryComplex: 1.8,
	}[l]
	scale := 0.9
	if count > 50 {
		scale = 0.7
	}
	return math.Round(float64(count)*perEndpoint*scale*10) / 10
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
