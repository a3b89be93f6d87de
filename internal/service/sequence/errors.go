package sequence

import "errors"

// Sentinel errors for the sequence service layer.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateSend    = errors.New("step already sent for enrollment")
	ErrStaleEnrollment  = errors.New("enrollment already advanced past position")
	ErrAlreadyEnrolled  = errors.New("subscriber already enrolled in sequence")
	ErrSequenceInactive = errors.New("sequence is not active")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrInvalidState     = errors.New("enrollment is not in a state that allows this action")
)
