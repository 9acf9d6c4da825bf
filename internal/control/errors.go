package control

import "codeberg.org/mutker/cpuboostd/internal/errors"

const (
	ErrListenFailed   = errors.ErrorCode("control_listen_failed")
	ErrUnknownCommand = errors.ErrorCode("control_unknown_command")
	ErrBadArgument    = errors.ErrorCode("control_bad_argument")
	ErrDialFailed     = errors.ErrorCode("control_dial_failed")
	ErrNoHistory      = errors.ErrorCode("control_history_disabled")
)
