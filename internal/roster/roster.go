// Package roster loads and validates the fleet definition: which roles
// exist, which worker kind each uses, and the dependency edges between
// them. The roster is immutable after startup.
package roster

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rowanhq/foreman/internal/prompt"
)

// Entry declares one role in the fleet.
type Entry struct {
	// Role is the unique name of the agent.
	Role string `yaml:"role"`
	// WorkerKind selects the worker profile used to launch this role.
	WorkerKind string `yaml:"worker_kind"`
	// DependsOn lists roles that must complete before this one launches.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// Assignment is the task description rendered into the worker prompt.
	Assignment string `yaml:"assignment"`
	// PromptKind overrides the guidance kind inferred from the role name.
	PromptKind string `yaml:"prompt_kind,omitempty"`
	// Timeout overrides the configured default attempt deadline when set.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// ExpectedFiles sizes the context-exhaustion estimate for this role.
	ExpectedFiles int `yaml:"expected_files,omitempty"`
}

// Roster is an ordered set of entries. Declaration order is significant:
// the supervisor breaks scheduling ties by it.
type Roster struct {
	Entries []Entry `yaml:"agents"`
}

// Load parses a roster from YAML and validates it against the set of
// known worker kinds.
func Load(data []byte, workerKinds []string) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}
	if err := r.Validate(workerKinds); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadFile reads and parses a roster file.
func LoadFile(path string, workerKinds []string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}
	return Load(data, workerKinds)
}

// Validate checks the roster invariants: at least one entry, unique role
// names, every dependency names a declared role, no self-dependencies,
// an acyclic dependency graph, worker kinds drawn from the known set, and
// prompt-kind overrides naming a known kind.
func (r *Roster) Validate(workerKinds []string) error {
	if len(r.Entries) == 0 {
		return fmt.Errorf("roster has no agents")
	}

	kinds := make(map[string]bool, len(workerKinds))
	for _, k := range workerKinds {
		kinds[k] = true
	}

	seen := make(map[string]bool, len(r.Entries))
	for _, e := range r.Entries {
		if e.Role == "" {
			return fmt.Errorf("roster entry missing role name")
		}
		if seen[e.Role] {
			return fmt.Errorf("duplicate role: %s", e.Role)
		}
		seen[e.Role] = true
		if e.WorkerKind == "" {
			return fmt.Errorf("role %s missing worker kind", e.Role)
		}
		if len(kinds) > 0 && !kinds[e.WorkerKind] {
			return fmt.Errorf("role %s uses unknown worker kind %q", e.Role, e.WorkerKind)
		}
		if e.Assignment == "" {
			return fmt.Errorf("role %s missing assignment", e.Role)
		}
		if e.PromptKind != "" && !prompt.ValidKind(prompt.Kind(e.PromptKind)) {
			return fmt.Errorf("role %s uses unknown prompt kind %q", e.Role, e.PromptKind)
		}
	}

	for _, e := range r.Entries {
		for _, dep := range e.DependsOn {
			if dep == e.Role {
				return fmt.Errorf("role %s depends on itself", e.Role)
			}
			if !seen[dep] {
				return fmt.Errorf("role %s depends on undeclared role %s", e.Role, dep)
			}
		}
	}

	if cycle := r.findCycle(); cycle != "" {
		return fmt.Errorf("dependency cycle involving role %s", cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns a role left unresolved when
// the graph has a cycle, or "" when acyclic.
func (r *Roster) findCycle() string {
	indegree := make(map[string]int, len(r.Entries))
	dependents := make(map[string][]string)
	for _, e := range r.Entries {
		indegree[e.Role] = len(e.DependsOn)
		for _, dep := range e.DependsOn {
			dependents[dep] = append(dependents[dep], e.Role)
		}
	}

	var queue []string
	for _, e := range r.Entries {
		if indegree[e.Role] == 0 {
			queue = append(queue, e.Role)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		resolved++
		for _, dep := range dependents[role] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if resolved == len(r.Entries) {
		return ""
	}
	for _, e := range r.Entries {
		if indegree[e.Role] > 0 {
			return e.Role
		}
	}
	return ""
}

// Lookup returns the entry for role, or nil when absent.
func (r *Roster) Lookup(role string) *Entry {
	for i := range r.Entries {
		if r.Entries[i].Role == role {
			return &r.Entries[i]
		}
	}
	return nil
}

// Roles returns role names in declaration order.
func (r *Roster) Roles() []string {
	roles := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		roles[i] = e.Role
	}
	return roles
}

// Position returns the declaration index of role, or -1 when absent.
// Used for deterministic tie-breaks.
func (r *Roster) Position(role string) int {
	for i := range r.Entries {
		if r.Entries[i].Role == role {
			return i
		}
	}
	return -1
}
