package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Entity names used in errors and in the transition log.
const (
	EntityGap          = "gap"
	EntityProposal     = "proposal"
	EntityCapability   = "capability"
	EntityMetaProposal = "meta_proposal"
)

// ErrNotFound is returned (wrapped) when an id or name does not exist.
var ErrNotFound = errors.New("not found")

// ErrMetaSelfTarget is returned when a meta-proposal would modify the
// meta-analyzer or its own rules.
var ErrMetaSelfTarget = errors.New("meta-proposals may not target the meta-analyzer")

// TransitionError reports an operation on an entity that is not in the
// status the operation requires. The entity is left untouched.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %q cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// DependencyError names the capabilities that block an install or rollback.
type DependencyError struct {
	Op       string // "install" or "rollback"
	Subject  string
	Blocking []string
}

func (e *DependencyError) Error() string {
	names := append([]string(nil), e.Blocking...)
	sort.Strings(names)
	switch e.Op {
	case "install":
		return fmt.Sprintf("cannot install %q: required dependencies not active: %s", e.Subject, strings.Join(names, ", "))
	case "cycle":
		return fmt.Sprintf("dependency from %q would create a cycle through: %s", e.Subject, strings.Join(names, ", "))
	default:
		return fmt.Sprintf("cannot roll back %q: active capabilities require it: %s", e.Subject, strings.Join(names, ", "))
	}
}

// InstallError is a failure in one step of installation. By the time it is
// returned every file change already applied has been reversed.
type InstallError struct {
	Step string
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("install %s %s: %v", e.Step, e.Path, e.Err)
	}
	return fmt.Sprintf("install %s: %v", e.Step, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// IsTransition reports whether err is or wraps a *TransitionError.
func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
