package activity

// Notifier receives one call per input frame. It may be called from any
// goroutine.
type Notifier interface {
	OnActivity()
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func()

func (f NotifierFunc) OnActivity() {
	f()
}

// Config selects the input devices to listen on.
type Config struct {
	// Glob patterns of evdev nodes.
	Patterns []string
	// Case-insensitive substrings of the device name. Empty accepts all.
	Names []string
	// Where device names are read from.
	SysfsRoot string
}
