package control

import (
	"bufio"
	"context"
	"net"
	"strings"

	"codeberg.org/mutker/cpuboostd/internal/errors"
)

// Send runs one command against the daemon listening on path and returns
// its response lines.
func Send(ctx context.Context, path, command string) ([]string, error) {
	errFactory := errors.New()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errFactory.Wrap(ErrDialFailed, err)
		}
	}

	if _, err := conn.Write([]byte(strings.TrimSpace(command) + "\n")); err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}

	var lines []string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, errFactory.Wrap(ErrDialFailed, err)
	}

	return lines, nil
}
