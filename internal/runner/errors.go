package runner

import "fmt"

// DependencyError reports a misdeclared dependency graph. It is never retried.
type DependencyError struct {
	Stage  string
	Dep    string
	Reason string
}

func (e *DependencyError) Error() string {
	if e.Dep == "" {
		return fmt.Sprintf("runner: stage %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("runner: stage %s: dependency %s: %s", e.Stage, e.Dep, e.Reason)
}
