package errors

// ErrorCode names a failure class. Codes are stable strings so they can be
// logged as the error_code field and matched by callers.
type ErrorCode string

// Coded is satisfied by anything that carries an ErrorCode.
type Coded interface {
	Code() ErrorCode
}

// Error is a coded error. Message and data are optional detail; the wrapped
// cause, if any, is reachable through Unwrap.
type Error interface {
	error
	Coded
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds Error values. Packages keep one per call site rather than
// sharing a global.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
