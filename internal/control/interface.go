package control

import "os"

const (
	DefaultSocketPath = "/run/cpuboostd.sock"
	defaultSocketMode = os.FileMode(0o660)
	defaultHistory    = 20
	maxHistory        = 1000
)

// Switch is the textual enable attribute.
type Switch interface {
	ReadStatus() string
	WriteStatus(text string) error
}

type Config struct {
	Path string
	Mode os.FileMode
}

func DefaultConfig() Config {
	return Config{
		Path: DefaultSocketPath,
		Mode: defaultSocketMode,
	}
}
