package chainstore

import "errors"

var (
	ErrCorrupted       = errors.New("chainstore: log and triplestore disagree on chain state")
	ErrDiscrepancy     = errors.New("chainstore: metadata graph disagrees with the block log")
	ErrLogReadFailed   = errors.New("chainstore: failed to read the block log")
	ErrLogWriteFailed  = errors.New("chainstore: failed to append to the block log")
)
