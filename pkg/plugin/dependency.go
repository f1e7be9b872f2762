package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// requirement operators, longest first so ">=" wins over ">"
var requirementOperators = []string{"==", ">=", "<=", ">", "<"}

// ParseRequirement parses a requirement string of the form
// <id><operator><version>, e.g. "disk-tools>=1.2.0".
func ParseRequirement(text string) (Dependency, error) {
	text = strings.TrimSpace(text)
	for _, op := range requirementOperators {
		idx := strings.Index(text, op)
		if idx <= 0 {
			continue
		}
		id := strings.TrimSpace(text[:idx])
		version := strings.TrimSpace(text[idx+len(op):])
		if !pluginIDRegex.MatchString(id) {
			return Dependency{}, fmt.Errorf("%w: malformed requirement %q: invalid plugin id", ErrDependency, text)
		}
		if _, err := semver.NewVersion(version); err != nil {
			return Dependency{}, fmt.Errorf("%w: malformed requirement %q: invalid version: %v", ErrDependency, text, err)
		}
		return Dependency{ID: id, Operator: op, Version: version}, nil
	}
	return Dependency{}, fmt.Errorf("%w: malformed requirement %q", ErrDependency, text)
}

// Satisfies reports whether an installed version satisfies a requirement.
// Comparison is segment-wise semver, never lexicographic.
func Satisfies(req Dependency, installedVersion string) (bool, error) {
	installed, err := semver.NewVersion(installedVersion)
	if err != nil {
		return false, fmt.Errorf("%w: invalid installed version %q: %v", ErrDependency, installedVersion, err)
	}
	required, err := semver.NewVersion(req.Version)
	if err != nil {
		return false, fmt.Errorf("%w: invalid required version %q: %v", ErrDependency, req.Version, err)
	}

	cmp := installed.Compare(required)
	switch req.Operator {
	case "==":
		return cmp == 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrDependency, req.Operator)
	}
}

// Resolver resolves plugin dependencies and determines install/load order
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a new dependency resolver
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// BuildGraph builds a dependency graph from the requested metadata set.
// Edges within the graph only reference nodes present in the request;
// external dependencies are the caller's concern (see Missing).
func (r *Resolver) BuildGraph(requested []Metadata) *DependencyGraph {
	graph := &DependencyGraph{
		Nodes: make(map[string]Metadata, len(requested)),
		Edges: make(map[string][]string, len(requested)),
	}

	for _, meta := range requested {
		graph.Nodes[meta.ID] = meta
		graph.Edges[meta.ID] = []string{}
	}

	for id, meta := range graph.Nodes {
		for _, dep := range meta.Dependencies {
			if _, ok := graph.Nodes[dep.ID]; ok {
				graph.Edges[id] = append(graph.Edges[id], dep.ID)
			}
		}
	}

	return graph
}

// Missing returns the ids directly required by the requested set that are
// neither satisfied by an installed version nor part of the request itself.
// Callers chase transitive dependencies by resolving each returned id in
// turn, as the installer does when it recursively installs from the
// marketplace. The result is sorted for deterministic reporting.
func (r *Resolver) Missing(requested []Metadata, installedVersions map[string]string) ([]string, error) {
	queued := make(map[string]bool, len(requested))
	for _, meta := range requested {
		queued[meta.ID] = true
	}

	missing := make(map[string]bool)
	for _, meta := range requested {
		for _, dep := range meta.Dependencies {
			if queued[dep.ID] {
				continue
			}
			installed, ok := installedVersions[dep.ID]
			if !ok {
				missing[dep.ID] = true
				continue
			}
			ok, err := Satisfies(dep, installed)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing[dep.ID] = true
			}
		}
	}

	out := make([]string, 0, len(missing))
	for id := range missing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Resolve orders the requested set so every dependency precedes every
// plugin that depends on it (Kahn's algorithm). Ties among independent
// nodes break by original request order. A cycle fails resolution and
// names the cycle members; no partial ordering is ever returned.
func (r *Resolver) Resolve(requested []Metadata) ([]string, error) {
	graph := r.BuildGraph(requested)

	// Request-order index for stable tie-breaking
	rank := make(map[string]int, len(requested))
	order := make([]string, 0, len(requested))
	for _, meta := range requested {
		if _, seen := rank[meta.ID]; !seen {
			rank[meta.ID] = len(order)
			order = append(order, meta.ID)
		}
	}

	// In-degree counts edges pointing at unprocessed dependencies
	indegree := make(map[string]int, len(graph.Nodes))
	dependents := make(map[string][]string, len(graph.Nodes))
	for id := range graph.Nodes {
		indegree[id] = len(graph.Edges[id])
		for _, depID := range graph.Edges[id] {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	ready := make([]string, 0, len(order))
	for _, id := range order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(order))
	for len(ready) > 0 {
		// Lowest request rank first keeps independent nodes stable
		sort.Slice(ready, func(i, j int) bool {
			return rank[ready[i]] < rank[ready[j]]
		})
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(order) {
		var cycle []string
		for _, id := range order {
			if indegree[id] > 0 {
				cycle = append(cycle, id)
			}
		}
		r.logger.Error().Strs("cycle", cycle).Msg("Circular dependency detected")
		return nil, fmt.Errorf("%w: circular dependency involving: %s", ErrDependency, strings.Join(cycle, ", "))
	}

	r.logger.Debug().
		Int("count", len(sorted)).
		Strs("order", sorted).
		Msg("Computed install order")

	return sorted, nil
}
