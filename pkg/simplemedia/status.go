package simplemedia

import "fmt"

// transitions lists, per state, the states it may move to. Deletion is not a
// state; it is only reachable from ORPHAN (see CanDelete).
var transitions = map[UploadStatus][]UploadStatus{
	UploadStatusPending: {UploadStatusUsed, UploadStatusOrphan},
	UploadStatusUsed:    nil,
	UploadStatusOrphan:  nil,
}

// IsValid reports whether s is a known upload status.
func (s UploadStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an upload may move from one status to another.
func CanTransition(from, to UploadStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when CanTransition is false.
func ValidateTransition(from, to UploadStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanDelete reports whether the cleanup scheduler may remove a row together
// with its object. USED rows are pruned separately and keep their object.
func CanDelete(status UploadStatus) bool {
	return status == UploadStatusOrphan
}
