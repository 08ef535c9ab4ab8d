package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleVersion    = errors.New("stale version")
	ErrProviderFailure = errors.New("provider failure")
	ErrTimeout         = errors.New("timeout")
	ErrNoText          = errors.New("no text available")

	// ErrVisualizationDisabled rejects batch creation for books whose owner
	// has not enabled visualization.
	ErrVisualizationDisabled = errors.New("visualization disabled for book")
)

// TransitionError reports a rejected state-machine operation. The aggregate is
// left untouched whenever one is returned.
type TransitionError struct {
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job transition %s rejected in state %q: %s", e.Op, e.From, e.Reason)
}

// IsTransitionError reports whether err is a rejected transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
