package domain

import "errors"

var (
	// The book has a gap before this update, it cannot be applied without a new baseline.
	ErrUpdateOutOfSequence = errors.New("order book update is out of sequence")
	// Already applied or superseded, should just be skipped.
	ErrUpdateOutdated = errors.New("order book update is outdated")
)

// ValidateSequence classifies the batch [first, last] against the high-water
// mark of the book. A nil result means the batch abuts or overlaps it.
func ValidateSequence(first, last, lastSequenceNumber int64) error {
	if last < lastSequenceNumber {
		return ErrUpdateOutdated
	}

	if first > lastSequenceNumber+1 {
		return ErrUpdateOutOfSequence
	}

	return nil
}
