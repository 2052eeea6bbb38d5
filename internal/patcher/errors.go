package patcher

import (
	"fmt"

	"livepatch/internal/diff"
)

// InvalidPatchError is returned by PatchList.Add for a definition that can
// never apply.
type InvalidPatchError struct {
	Owner  string
	Reason string
	Err    error
}

func (e *InvalidPatchError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "<unnamed>"
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid patch by %s: %s: %v", owner, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid patch by %s: %s", owner, e.Reason)
}

func (e *InvalidPatchError) Unwrap() error {
	return e.Err
}

// ReplacementError describes a replacement that threw or produced code that
// failed to compile. Before and After hold the source around the match.
type ReplacementError struct {
	Owner    string
	ModuleID string
	Index    int
	Match    string
	Err      error

	Before string
	After  string
	Diff   []diff.Segment
}

func (e *ReplacementError) Error() string {
	return fmt.Sprintf("patch by %s errored (module %s, replacement %d, match %s): %v",
		e.Owner, e.ModuleID, e.Index, e.Match, e.Err)
}

func (e *ReplacementError) Unwrap() error {
	return e.Err
}

// panicError carries a non-error value recovered from a factory.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
