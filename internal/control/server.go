package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/cpuboostd/internal/boost"
	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/history"
	"codeberg.org/mutker/cpuboostd/internal/logger"
)

// Server exposes the boost API over a unix socket. Each line received is one
// command; each command gets one or more lines back. The connection stays
// open until the client closes its side.
type Server struct {
	cfg     Config
	api     boost.API
	sw      Switch
	history history.Reader
	log     logger.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer builds a control server. reader may be nil when history is off.
func NewServer(cfg Config, api boost.API, sw Switch, reader history.Reader, log logger.Logger) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = defaultSocketMode
	}

	return &Server{
		cfg:     cfg,
		api:     api,
		sw:      sw,
		history: reader,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. A stale socket file from an earlier run is
// replaced.
func (s *Server) Listen() error {
	errFactory := errors.New()

	if s.cfg.Path == "" {
		return errFactory.WithMessage(ErrListenFailed, "empty socket path")
	}

	if fi, err := os.Lstat(s.cfg.Path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(s.cfg.Path); err != nil {
			return errFactory.Wrap(ErrListenFailed, err)
		}
	}

	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return errFactory.Wrap(ErrListenFailed, err)
	}

	if err := os.Chmod(s.cfg.Path, s.cfg.Mode); err != nil {
		ln.Close()
		return errFactory.Wrap(ErrListenFailed, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("socket", s.cfg.Path).Msg("Control socket listening")

	return nil
}

// Serve accepts connections until ctx is done. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New().WithMessage(ErrListenFailed, "not listening")
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn().Err(err).Msg("Control accept failed")
			continue
		}

		if !s.track(conn) {
			continue
		}

		go s.serveConn(ctx, conn)
	}
}

// track registers conn for shutdown. A connection accepted after shutdown
// began is closed instead.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		conn.Close()
		return false
	}

	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	return true
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	os.Remove(s.cfg.Path)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		for _, out := range s.Execute(ctx, line) {
			w.WriteString(out)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// Execute runs a single command line and returns the response lines.
func (s *Server) Execute(ctx context.Context, line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]

	s.log.Debug().Str("command", cmd).Strs("args", args).Msg("Control command")

	var (
		out []string
		err error
	)
	switch cmd {
	case "enabled":
		out, err = s.enabled(args)
	case "boost":
		out, err = s.boost(args)
	case "unboost":
		out, err = s.unboost(args)
	case "status":
		out = s.status()
	case "activity":
		out, err = s.activity(args)
	case "history":
		out, err = s.recent(ctx, args)
	default:
		err = errors.New().WithData(ErrUnknownCommand, cmd)
	}

	if err != nil {
		return []string{"error " + err.Error()}
	}

	return out
}

func (s *Server) enabled(args []string) ([]string, error) {
	switch len(args) {
	case 0:
		return []string{strings.TrimSpace(s.sw.ReadStatus())}, nil
	case 1:
		if err := s.sw.WriteStatus(args[0]); err != nil {
			return nil, err
		}
		s.log.Info().Str("enabled", args[0]).Msg("Boost gate changed")
		return []string{"ok"}, nil
	default:
		return nil, badArgument("enabled [0|1]")
	}
}

func (s *Server) boost(args []string) ([]string, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, badArgument("boost <mhz> [ms]")
	}

	mhz, err := parseUint32(args[0])
	if err != nil {
		return nil, err
	}

	var accepted bool
	if len(args) == 2 {
		ms, err := parseUint32(args[1])
		if err != nil {
			return nil, err
		}
		accepted = s.api.BoostTimeout(mhz, ms)
	} else {
		accepted = s.api.Boost(mhz)
	}

	return []string{verdict(accepted)}, nil
}

func (s *Server) unboost(args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, badArgument("unboost")
	}

	return []string{verdict(s.api.Unboost())}, nil
}

func (s *Server) status() []string {
	st := s.api.Status()

	cores := make([]cpufreq.CoreID, 0, len(st.Snapshot))
	for core := range st.Snapshot {
		cores = append(cores, core)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	snapshot := make([]string, 0, len(cores))
	for _, core := range cores {
		snapshot = append(snapshot, fmt.Sprintf("%d:%d", core, uint32(st.Snapshot[core])))
	}

	activity := s.api.ActivityParams()

	return []string{
		"enabled=" + boolText(st.Enabled),
		"active=" + boolText(st.Active),
		"preempted=" + boolText(st.Preempted),
		"pending=" + boolText(st.Pending),
		fmt.Sprintf("cycle=%d", st.Cycle),
		"mode=" + st.Mode.String(),
		"source=" + st.Source,
		fmt.Sprintf("target_khz=%d", uint32(st.Target)),
		fmt.Sprintf("duration_ms=%d", st.Duration.Milliseconds()),
		"snapshot=" + strings.Join(snapshot, ","),
		fmt.Sprintf("activity=%d %d", activity.FrequencyMHz, activity.DurationMs),
	}
}

func (s *Server) activity(args []string) ([]string, error) {
	switch len(args) {
	case 0:
		p := s.api.ActivityParams()
		return []string{fmt.Sprintf("%d %d", p.FrequencyMHz, p.DurationMs)}, nil
	case 2:
		mhz, err := parseUint32(args[0])
		if err != nil {
			return nil, err
		}
		ms, err := parseUint32(args[1])
		if err != nil {
			return nil, err
		}
		s.api.SetActivityParams(boost.ActivityParams{FrequencyMHz: mhz, DurationMs: ms})
		return []string{"ok"}, nil
	default:
		return nil, badArgument("activity [<mhz> <ms>]")
	}
}

func (s *Server) recent(ctx context.Context, args []string) ([]string, error) {
	if s.history == nil {
		return nil, errors.New().New(ErrNoHistory)
	}

	limit := defaultHistory
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 || n > maxHistory {
			return nil, badArgument("history [1-1000]")
		}
		limit = n
	default:
		return nil, badArgument("history [n]")
	}

	events, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, fmt.Sprintf("%s cycle=%d kind=%s source=%s core=%d target_khz=%d floor_khz=%d ceiling_khz=%d duration_ms=%d detail=%s",
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			e.Cycle, e.Kind, e.Source, e.Core,
			e.Target, e.Floor, e.Ceiling, e.DurationMs, e.Detail))
	}

	return out, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.New().WithData(ErrBadArgument, s)
	}

	return uint32(v), nil
}

func badArgument(usage string) error {
	return errors.New().WithMessage(ErrBadArgument, "usage: "+usage)
}

func verdict(accepted bool) string {
	if accepted {
		return "ok"
	}

	return "dropped"
}

func boolText(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
