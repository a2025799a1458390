package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch is matched by every ShapeError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError reports tensors that do not conform to an operation's contract.
// It is a usage error; callers are expected to fix their inputs.
type ShapeError struct {
	Op   string
	Got  []int
	Want []int
	Msg  string
}

func (e *ShapeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": shape mismatch")
	if e.Got != nil {
		fmt.Fprintf(&sb, ": got %v", e.Got)
	}
	if e.Want != nil {
		fmt.Fprintf(&sb, ", want %v", e.Want)
	}
	if e.Msg != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Msg)
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// CheckRank fails if t does not have exactly rank dimensions.
func CheckRank(op string, t *Tensor, rank int) error {
	if t.NDimensions() != rank {
		return &ShapeError{Op: op, Got: t.Shape(), Msg: fmt.Sprintf("expected rank %d", rank)}
	}
	return nil
}
