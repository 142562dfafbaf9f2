package tensor

import "fmt"

// ShapeMismatchError reports arrays whose dimensions disagree where they must
// line up, e.g. images and labels with different lengths.
type ShapeMismatchError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor: shape mismatch in %s: want %v, got %v", e.Op, e.Want, e.Got)
}
