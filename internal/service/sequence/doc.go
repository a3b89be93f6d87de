// Package sequence runs email drip sequences.
//
// The Processor is invoked periodically. Each pass loads enrollments whose
// next send time has arrived, sends the next step of each one at most once,
// and advances the enrollment or completes it. Enrollments are processed
// independently; a failure in one never blocks or corrupts another. A failed
// send leaves the enrollment where it was so the next pass retries it.
//
// The Enroller creates enrollments from trigger events and applies operator
// actions (pause, resume) and unsubscribes.
//
// Store implementations live in repository/postgres/ and repository/memory/.
package sequence
