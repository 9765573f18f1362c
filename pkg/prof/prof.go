//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// Profiling errors.
var (
	// ErrActive indicates a session is already recording.
	ErrActive = errors.New("profile session already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

var (
	activeMutex sync.Mutex
	active      *Session
)

// Session is a running profile recording.
type Session struct {
	opts    Options
	cpuFile *os.File
}

// Start begins a session. Only one session may be active at a time.
func Start(opts Options) (*Session, error) {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active != nil {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		s.cpuFile = f
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	active = s
	return s, nil
}

// Stop ends the CPU profile and writes the requested snapshots. It is
// safe to call more than once.
func (s *Session) Stop() error {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active != s {
		return nil
	}
	active = nil

	var errs []error
	if s.cpuFile != nil {
		pprof.StopCPUProfile()
		errs = append(errs, s.cpuFile.Close())
	}
	if s.opts.Heap != "" {
		runtime.GC()
		errs = append(errs, write("heap", s.opts.Heap))
	}
	if s.opts.Mutex != "" {
		errs = append(errs, write("mutex", s.opts.Mutex))
		runtime.SetMutexProfileFraction(0)
	}
	if s.opts.Block != "" {
		errs = append(errs, write("block", s.opts.Block))
		runtime.SetBlockProfileRate(0)
	}
	return errors.Join(errs...)
}

func write(name, path string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, name)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", name, err)
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%s profile: %w", name, err)
	}
	return f.Close()
}
