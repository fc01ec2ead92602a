package pattern

import "regexp"

type archetype struct {
	name     string
	methods  []string
	paths    []*regexp.Regexp
	features []string
	safe     int
	optimal  int
	max      int
}

// archetypes are scored in this order; the first best score wins ties.
var archetypes = []archetype{
	{
		name:     "RESTful CRUD",
		methods:  []string{"GET", "POST", "PUT", "DELETE"},
		paths:    []*regexp.Regexp{regexp.MustCompile(`^/\w+/?$`), regexp.MustCompile(`^/\w+/\{\w+\}/?$`)},
		features: []string{"id_in_path", "standard_methods"},
		safe:     2,
		optimal:  3,
		max:      5,
	},
	{
		name:     "GraphQL",
		methods:  []string{"POST"},
		paths:    []*regexp.Regexp{regexp.MustCompile(`^/graphql/?$`)},
		features: []string{"single_endpoint", "query_in_body"},
		safe:     2,
		optimal:  3,
		max:      4,
	},
	{
		name:     "RPC-style",
		methods:  []string{"POST"},
		paths:    []*regexp.Regexp{regexp.MustCompile(`^/\w+/\w+`)},
		features: []string{"action_in_path", "post_dominant"},
		safe:     2,
		optimal:  3,
		max:      5,
	},
	{
		name:     "REST-like",
		methods:  []string{"GET", "POST"},
		paths:    []*regexp.Regexp{regexp.MustCompile(`^/api/\w+`)},
		features: []string{"partial_rest", "mixed_patterns"},
		safe:     2,
		optimal:  3,
		max:      5,
	},
	{
		name:     "Microservice",
		methods:  []string{"GET", "POST", "PUT", "DELETE"},
		paths:    []*regexp.Regexp{regexp.MustCompile(`^/api/v\d+/\w+`)},
		features: []string{"versioned", "domain_focused"},
		safe:     2,
		optimal:  4,
		max:      6,
	},
}

var generic = archetype{name: GenericName, safe: 2, optimal: 3, max: 5}

func lookupArchetype(name string) archetype {
	for _, a := range archetypes {
		if a.name == name {
			return a
		}
	}
	return generic
}
