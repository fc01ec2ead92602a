package pattern

import (
	"sort"
	"strings"
)

// Analyze classifies endpoints and recommends worker bounds.
func Analyze(endpoints []Endpoint) APIPattern {
	complexity := computeComplexity(endpoints)
	name, confidence := classify(endpoints)
	safe, optimal, maxWorkers := recommend(name, complexity)
	return APIPattern{
		Name:        name,
		Confidence:  confidence,
		Complexity:  complexity,
		SafeStart:   safe,
		Optimal:     optimal,
		Max:         maxWorkers,
		Features:    detectFeatures(endpoints),
		RiskFactors: riskFactors(complexity),
	}
}

// classify scores every archetype on method coverage (40%), path shape
// (30%) and shape features (30%). Confidence scales the score by how many
// of the three dimensions matched at all.
func classify(endpoints []Endpoint) (string, float64) {
	if len(endpoints) == 0 {
		return GenericName, genericConfidence
	}
	methods := make(map[string]struct{})
	for _, ep := range endpoints {
		methods[strings.ToUpper(ep.Method)] = struct{}{}
	}
	shape := shapeFeatures(endpoints)

	bestName, best := "", -1.0
	for _, a := range archetypes {
		var score float64
		matched := 0

		covered := 0
		for _, m := range a.methods {
			if _, ok := methods[m]; ok {
				covered++
			}
		}
		coverage := float64(covered) / float64(len(a.methods))
		score += coverage * 0.4
		if coverage > 0 {
			matched++
		}

		pathHits := 0
		for _, ep := range endpoints {
			for _, re := range a.paths {
				if re.MatchString(ep.Path) {
					pathHits++
					break
				}
			}
		}
		pathScore := float64(pathHits) / float64(len(endpoints))
		score += pathScore * 0.3
		if pathScore > 0.3 {
			matched++
		}

		featureHits := 0
		for _, f := range a.features {
			if _, ok := shape[f]; ok {
				featureHits++
			}
		}
		featureScore := float64(featureHits) / float64(len(a.features))
		score += featureScore * 0.3
		if featureScore > 0.5 {
			matched++
		}

		confidence := score * float64(matched) / 3
		if confidence > best {
			bestName, best = a.name, confidence
		}
	}
	if best < minConfidence {
		return GenericName, genericConfidence
	}
	return bestName, best
}

// shapeFeatures are the structural traits archetypes are matched against.
func shapeFeatures(endpoints []Endpoint) map[string]struct{} {
	out := make(map[string]struct{})
	standard := map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true}
	allStandard := true
	paths := make(map[string]struct{})
	posts := 0
	for _, ep := range endpoints {
		method := strings.ToUpper(ep.Method)
		if strings.Contains(ep.Path, "{") && strings.Contains(ep.Path, "}") {
			out["id_in_path"] = struct{}{}
		}
		if !standard[method] {
			allStandard = false
		}
		paths[ep.Path] = struct{}{}
		if method == "POST" {
			posts++
			if len(strings.Split(ep.Path, "/")) > 3 {
				out["action_in_path"] = struct{}{}
			}
		}
		if strings.Contains(ep.Path, "/v") && strings.ContainsAny(ep.Path, "0123456789") {
			out["versioned"] = struct{}{}
		}
	}
	if allStandard {
		out["standard_methods"] = struct{}{}
	}
	if len(paths) == 1 {
		out["single_endpoint"] = struct{}{}
	}
	if float64(posts) > float64(len(endpoints))*0.7 {
		out["post_dominant"] = struct{}{}
	}
	return out
}

// recommend applies complexity and size adjustments to the archetype's
// base table. safe_start is never adjusted.
func recommend(name string, c ComplexityMetrics) (safe, optimal, maxWorkers int) {
	base := lookupArchetype(name)
	adj := int(c.Level) - int(LevelSimple)
	switch {
	case c.EndpointCount >= 100:
		adj += 2
	case c.EndpointCount >= 50:
		adj++
	}
	optimal = min(base.optimal+adj, base.max)
	maxWorkers = min(base.max+adj, globalWorkerCeiling)
	return base.safe, optimal, maxWorkers
}

// detectFeatures reports domain traits of the workload in sorted order.
func detectFeatures(endpoints []Endpoint) []string {
	found := make(map[string]struct{})
	for _, ep := range endpoints {
		for _, q := range ep.QueryParams {
			q = strings.ToLower(q)
			if strings.Contains(q, "page") || strings.Contains(q, "limit") || strings.Contains(q, "offset") || strings.Contains(q, "cursor") {
				found["pagination"] = struct{}{}
			}
			if strings.Contains(q, "filter") || strings.Contains(q, "search") {
				found["filtering"] = struct{}{}
			}
		}
		if len(ep.Security) > 0 {
			found["authentication"] = struct{}{}
		}
		if strings.Contains(strings.ToLower(ep.ContentType), "multipart") {
			found["file_upload"] = struct{}{}
		}
		path := strings.ToLower(ep.Path)
		if strings.Contains(path, "batch") || strings.Contains(path, "bulk") {
			found["batch_operations"] = struct{}{}
		}
		if strings.Contains(path, "websocket") || hasSegment(path, "ws") {
			found["websocket"] = struct{}{}
		}
	}
	return sortedSet(found)
}

func riskFactors(c ComplexityMetrics) []string {
	found := make(map[string]struct{})
	if c.Level >= LevelComplex {
		found[RiskHighComplexity] = struct{}{}
	}
	if c.EndpointCount > 100 {
		found[RiskLargeSurface] = struct{}{}
	}
	if c.SchemaDepthAvg > 5 {
		found[RiskDeepNesting] = struct{}{}
	}
	if c.ParameterComplexity > 7 {
		found[RiskComplexParameters] = struct{}{}
	}
	if c.AuthComplexity > 7 {
		found[RiskComplexAuthentication] = struct{}{}
	}
	total, most := 0, 0
	for _, k := range sortedKeys(c.MethodDistribution) {
		n := c.MethodDistribution[k]
		total += n
		most = max(most, n)
	}
	if total > 0 && float64(most)/float64(total) > 0.7 {
		found[RiskUnbalancedMethods] = struct{}{}
	}
	return sortedSet(found)
}

func hasSegment(path, seg string) bool {
	for _, s := range strings.Split(path, "/") {
		if s == seg {
			return true
		}
	}
	return false
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
