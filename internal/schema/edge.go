package schema

import "fmt"

// Edge is a weighted undirected connection between two tasks in a workspace.
// The unordered pair {Source, Target} is unique per workspace: (a,b) and
// (b,a) are the same logical edge and must not coexist.
type Edge struct {
	WorkspaceID string  `json:"workspace_id"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Weight      float64 `json:"weight"`
}

// Validate checks that the edge has valid field values.
func (e *Edge) Validate() error {
	if e.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.Target == "" {
		return fmt.Errorf("target is required")
	}
	if e.Source == e.Target {
		return fmt.Errorf("source and target must differ")
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("weight must be in [0,1] (got %g)", e.Weight)
	}
	return nil
}

// SamePair reports whether the edge connects the unordered pair {a, b}.
func (e *Edge) SamePair(a, b string) bool {
	return (e.Source == a && e.Target == b) || (e.Source == b && e.Target == a)
}
