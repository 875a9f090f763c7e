package onboarding

import (
	"fmt"

	"github.com/signalix/sessionkit/internal/model"
)

// Screens maps each step to its presentation handler
type Screens[T any] map[model.Step]T

// Lookup returns the handler for step
func (s Screens[T]) Lookup(step model.Step) (T, error) {
	h, ok := s[step]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no screen registered for step %q", step)
	}
	return h, nil
}

// Missing lists the steps that have no handler, in flow order
func (s Screens[T]) Missing() []model.Step {
	var missing []model.Step
	for _, step := range model.Steps {
		if _, ok := s[step]; !ok {
			missing = append(missing, step)
		}
	}
	return missing
}
