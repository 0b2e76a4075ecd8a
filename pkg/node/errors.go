package node

import "errors"

var (
	// ErrNotFound indicates the referenced node does not exist
	ErrNotFound = errors.New("node not found")

	// ErrAlreadyExists indicates a uniqueness violation, such as a second root
	ErrAlreadyExists = errors.New("node already exists")

	// ErrInvalidStatus indicates the operation is not legal from the node's
	// current status
	ErrInvalidStatus = errors.New("invalid status for operation")

	// ErrInvalidNeeds indicates a needs edge that is not a descendant of the
	// caller or a prior sibling of the new node, or that references a missing
	// node
	ErrInvalidNeeds = errors.New("invalid needs reference")

	// ErrConflict indicates a compare-and-set transition lost the race
	ErrConflict = errors.New("concurrent update conflict")

	// ErrAuthorityDenied indicates the caller holds no authority over the
	// target node
	ErrAuthorityDenied = errors.New("authority denied")
)

// ErrorKind maps an error to the stable machine-readable kind reported to
// tool callers. Unrecognized errors map to "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrInvalidNeeds):
		return "invalid_needs"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAuthorityDenied):
		return "authority_denied"
	default:
		return "internal"
	}
}
