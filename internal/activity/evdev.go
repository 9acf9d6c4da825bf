package activity

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"
)

// Linux input_event: struct timeval followed by type, code and value. The
// timeval is two longs, so the record size follows the word size.
const (
	timevalSize = 2 * strconv.IntSize / 8
	eventSize   = timevalSize + 8

	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport  = 0
	synDropped = 3
)

type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

func decodeEvent(b []byte) inputEvent {
	b = b[timevalSize:]

	return inputEvent{
		Type:  binary.NativeEndian.Uint16(b[0:2]),
		Code:  binary.NativeEndian.Uint16(b[2:4]),
		Value: int32(binary.NativeEndian.Uint32(b[4:8])),
	}
}

// frame tracks one SYN_REPORT-delimited group of events.
type frame struct {
	touched bool
}

// feed consumes ev and reports whether it closed a frame that carried key or
// absolute-axis input.
func (f *frame) feed(ev inputEvent) bool {
	switch ev.Type {
	case evKey, evAbs:
		f.touched = true
	case evSyn:
		switch ev.Code {
		case synReport:
			done := f.touched
			f.touched = false
			return done
		case synDropped:
			f.touched = false
		}
	}

	return false
}

// readFrames decodes events from r until it fails, calling notify for every
// completed frame.
func readFrames(r io.Reader, notify func()) error {
	br := bufio.NewReaderSize(r, eventSize*64)
	raw := make([]byte, eventSize)

	var f frame
	for {
		if _, err := io.ReadFull(br, raw); err != nil {
			return err
		}
		if f.feed(decodeEvent(raw)) {
			notify()
		}
	}
}
