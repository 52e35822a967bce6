package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
)

var writeHeapProfile = pprof.WriteHeapProfile

// startProfiling starts CPU profiling and returns a cleanup function that
// stops the CPU profile and writes a heap profile on completion.
func startProfiling(basePath string, w io.Writer) (func(), error) {
	cpuPath := basePath + ".cpu.prof"
	f, err := os.Create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("creating CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("starting CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
		fmt.Fprintf(w, "cpu profile: %s\n", cpuPath)

		memPath := basePath + ".mem.prof"
		mf, err := os.Create(memPath)
		if err != nil {
			fmt.Fprintf(w, "warning: memory profile: %v\n", err)
			return
		}
		defer func() { _ = mf.Close() }()
		runtime.GC()
		if err := writeHeapProfile(mf); err != nil {
			fmt.Fprintf(w, "warning: memory profile: %v\n", err)
			return
		}
		fmt.Fprintf(w, "memory profile: %s\n", memPath)
	}, nil
}
