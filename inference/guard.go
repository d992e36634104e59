package inference

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Guard tracks whether structural parameters of a component are locked.
//
// The zero value is unfrozen. Every setter that changes a structural parameter calls Check
// first and returns its error unchanged.
type Guard struct {
	frozen atomic.Bool
}

// Freeze locks (true) or unlocks (false) the guarded parameters.
func (g *Guard) Freeze(doit bool) { g.frozen.Store(doit) }

// Frozen reports whether the guarded parameters are locked.
func (g *Guard) Frozen() bool { return g.frozen.Load() }

// Check returns ErrFrozen naming param when the guard is frozen.
//
// Arguments:
//   - param: The name of the parameter about to be modified.
//
// Returns:
//   - error: nil when the change may proceed.
func (g *Guard) Check(param string) error {
	if g.Frozen() {
		return errors.Wrapf(ErrFrozen, "cannot change %q", param)
	}
	return nil
}
