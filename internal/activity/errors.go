package activity

import "codeberg.org/mutker/cpuboostd/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Device Errors
	ErrDeviceOpen = errors.ErrorCode("activity_device_open_failed")
	ErrDeviceRead = errors.ErrorCode("activity_device_read_failed")

	// Watch Errors
	ErrWatchFailed = errors.ErrorCode("activity_watch_failed")
)
