package governor

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when registering an id that is already live.
	ErrDuplicateID = errors.New("node id already registered")
	// ErrUnknownID is returned when isolating or querying a node that is not registered.
	ErrUnknownID = errors.New("unknown node id")
	// ErrCriticalNodeProtected is returned for any attempt to isolate a critical node.
	ErrCriticalNodeProtected = errors.New("critical node cannot be isolated")
	// ErrCapacityExceeded means the auto isolation bound is reached. The engine skips silently.
	ErrCapacityExceeded = errors.New("auto isolation capacity reached")
	// ErrInvalidTier is returned for tiers outside the declared set.
	ErrInvalidTier = errors.New("invalid tier")
	// ErrInvalidNode is returned when a NodeSpec cannot be registered.
	ErrInvalidNode = errors.New("invalid node")
	// ErrInvalidConfig is returned when a config or config patch fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)

// OperationError describes a rejected governor operation.
type OperationError struct {
	Op     string
	NodeID string
	Err    error
}

// Error returns a human-readable error message.
func (e *OperationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("governor: %s %s: %v", e.Op, e.NodeID, e.Err)
	}
	return fmt.Sprintf("governor: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, nodeID string, err error) *OperationError {
	return &OperationError{Op: op, NodeID: nodeID, Err: err}
}

// errorKind names err for metrics labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateID):
		return "duplicate"
	case errors.Is(err, ErrUnknownID):
		return "unknown"
	case errors.Is(err, ErrCriticalNodeProtected):
		return "critical"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrInvalidTier), errors.Is(err, ErrInvalidNode), errors.Is(err, ErrInvalidConfig):
		return "invalid"
	default:
		return "other"
	}
}
