package domain

import "fmt"

// ErrMissingRunID reports an Add with an empty primary key. The operation is
// aborted with no partial write.
type ErrMissingRunID struct {
	Path string
}

func (e ErrMissingRunID) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("record at %s has no run_id", e.Path)
	}
	return "record has no run_id"
}

// ErrNotFound is returned when a record or proposal lookup fails.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrInvalidState reports a proposal transition attempted from an illegal
// state. The proposal is left unchanged.
type ErrInvalidState struct {
	ProposalID string
	State      ApprovalStatus
	Requested  string
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("proposal %s is %s; cannot %s", e.ProposalID, e.State, e.Requested)
}
