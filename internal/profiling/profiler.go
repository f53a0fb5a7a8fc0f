// Package profiling wires runtime profile collection behind CLI flags.
package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Session holds the profiles being collected for the life of the
// process. The zero value collects nothing.
type Session struct {
	cpuFile   *os.File
	traceFile *os.File
}

// Start begins CPU profiling and execution tracing for whichever paths
// are non-empty. Stop must be called to flush the files.
func Start(cpuPath, tracePath string) (*Session, error) {
	s := &Session{}

	if cpuPath != "" {
		f, err := os.Create(cpuPath)
		if err != nil {
			return nil, fmt.Errorf("cannot create CPU profile %s: %w", cpuPath, err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cannot start CPU profile: %w", err)
		}
		s.cpuFile = f
	}

	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("cannot create trace file %s: %w", tracePath, err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			s.Stop()
			return nil, fmt.Errorf("cannot start trace: %w", err)
		}
		s.traceFile = f
	}

	return s, nil
}

// Stop ends collection and closes the profile files. Safe to call on a
// session that never started anything.
func (s *Session) Stop() {
	if s == nil {
		return
	}
	if s.traceFile != nil {
		trace.Stop()
		_ = s.traceFile.Close()
		s.traceFile = nil
	}
	if s.cpuFile != nil {
		pprof.StopCPUProfile()
		_ = s.cpuFile.Close()
		s.cpuFile = nil
	}
}

// WriteHeap writes a point-in-time heap snapshot. A GC pass runs first
// so the numbers reflect live objects.
func WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create heap profile %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("cannot write heap profile: %w", err)
	}
	return nil
}
