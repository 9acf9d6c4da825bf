package boost

import "codeberg.org/mutker/cpuboostd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Request Errors
	ErrDroppedRequest = errors.ErrorCode("boost_dropped_request")
	ErrClosed         = errors.ErrorCode("boost_controller_closed")

	// Cycle Errors
	ErrBoostAborted      = errors.ErrorCode("boost_aborted")
	ErrRetriesExhausted  = errors.ErrorCode("boost_policy_retries_exhausted")
	ErrNoSnapshot        = errors.ErrorCode("boost_no_snapshot")
	ErrRestoreIncomplete = errors.ErrorCode("boost_restore_incomplete")
)
