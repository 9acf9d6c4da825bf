package cpufreq

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/cpuboostd/internal/errors"
	"codeberg.org/mutker/cpuboostd/internal/logger"
)

const (
	DefaultSysfsRoot = "/sys/devices/system/cpu"

	minFreqFile = "scaling_min_freq"
	maxFreqFile = "scaling_max_freq"
	onlineFile  = "online"
)

type sysfsStore struct {
	root  string
	count int
	log   logger.Logger
}

// NewSysfsStore returns a PolicyStore backed by the cpufreq sysfs tree under
// root. A coreCount of zero detects the count from the cpuN directories.
func NewSysfsStore(root string, coreCount int, log logger.Logger) (PolicyStore, error) {
	errFactory := errors.New()

	if root == "" {
		root = DefaultSysfsRoot
	}

	if coreCount <= 0 {
		n, err := detectCoreCount(root)
		if err != nil {
			return nil, err
		}
		coreCount = n
	}

	if coreCount <= 0 {
		return nil, errFactory.WithData(ErrNoCores, root)
	}

	log.Info().
		Str("root", root).
		Int("cores", coreCount).
		Msg("cpufreq policy store ready")

	return &sysfsStore{
		root:  root,
		count: coreCount,
		log:   log,
	}, nil
}

func detectCoreCount(root string) (int, error) {
	errFactory := errors.New()

	matches, err := filepath.Glob(filepath.Join(root, "cpu[0-9]*"))
	if err != nil {
		return 0, errFactory.Wrap(ErrDiscoveryFailed, err)
	}

	highest := -1
	for _, m := range matches {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "cpu"))
		if err != nil {
			continue
		}
		if id > highest {
			highest = id
		}
	}

	return highest + 1, nil
}

func (s *sysfsStore) CoreCount() int {
	return s.count
}

func (s *sysfsStore) OnlineCores() []CoreID {
	cores := make([]CoreID, 0, s.count)
	for i := 0; i < s.count; i++ {
		core := CoreID(i)
		if s.isOnline(core) {
			cores = append(cores, core)
		}
	}

	return cores
}

// isOnline treats a missing online attribute (the boot CPU usually has none)
// as online as long as the core exposes a cpufreq directory.
func (s *sysfsStore) isOnline(core CoreID) bool {
	data, err := os.ReadFile(s.corePath(core, onlineFile))
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}

	_, err = os.Stat(s.freqPath(core, ""))

	return err == nil
}

func (s *sysfsStore) Policy(core CoreID) (Policy, error) {
	if err := s.checkRange(core); err != nil {
		return Policy{}, err
	}

	floor, err := s.readFreq(core, minFreqFile)
	if err != nil {
		return Policy{}, err
	}

	ceiling, err := s.readFreq(core, maxFreqFile)
	if err != nil {
		return Policy{}, err
	}

	return Policy{Floor: floor, Ceiling: ceiling}, nil
}

func (s *sysfsStore) SetFloor(core CoreID, floor Frequency) error {
	errFactory := errors.New()

	if err := s.checkRange(core); err != nil {
		return err
	}

	path := s.freqPath(core, minFreqFile)
	value := strconv.FormatUint(uint64(floor), 10)
	if err := writeAttr(path, value); err != nil {
		if isTransient(err) {
			return errFactory.Wrap(ErrPolicyUnavailable, err)
		}
		return errFactory.WithData(ErrSetFloorFailed, struct {
			Core  CoreID
			Floor Frequency
			Error string
		}{
			Core:  core,
			Floor: floor,
			Error: err.Error(),
		})
	}

	s.log.Debug().
		Int("core", int(core)).
		Uint32("floor", uint32(floor)).
		Msg("Floor written")

	return nil
}

func (s *sysfsStore) readFreq(core CoreID, file string) (Frequency, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.freqPath(core, file))
	if err != nil {
		if isTransient(err) {
			return 0, errFactory.Wrap(ErrPolicyUnavailable, err)
		}
		return 0, errFactory.Wrap(ErrPolicyInvalid, err)
	}

	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, errFactory.WithData(ErrPolicyInvalid, struct {
			Core  CoreID
			File  string
			Error string
		}{
			Core:  core,
			File:  file,
			Error: err.Error(),
		})
	}

	return Frequency(v), nil
}

func (s *sysfsStore) checkRange(core CoreID) error {
	if core < 0 || int(core) >= s.count {
		return errors.New().WithData(ErrCoreOutOfRange, core)
	}

	return nil
}

func (s *sysfsStore) corePath(core CoreID, file string) string {
	return filepath.Join(s.root, "cpu"+strconv.Itoa(int(core)), file)
}

func (s *sysfsStore) freqPath(core CoreID, file string) string {
	return filepath.Join(s.root, "cpu"+strconv.Itoa(int(core)), "cpufreq", file)
}

// writeAttr writes an existing sysfs attribute; attributes are never created.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// isTransient reports errors the kernel returns while a policy is being torn
// down or brought up (core hotplug, governor switch).
func isTransient(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENODEV)
}
