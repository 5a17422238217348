package monitor

import (
	"strings"

	"github.com/prometheus/procfs"
)

// Process is one running process as seen by the worker detector.
type Process struct {
	PID     int
	Cmdline string
}

// ProcessLister enumerates running processes.
type ProcessLister func() ([]Process, error)

// ProcfsProcesses lists processes from a proc filesystem. An empty mount
// point means /proc. Processes that exit mid-scan are skipped.
func ProcfsProcesses(mountPoint string) ProcessLister {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	return func() ([]Process, error) {
		fs, err := procfs.NewFS(mountPoint)
		if err != nil {
			return nil, err
		}
		procs, err := fs.AllProcs()
		if err != nil {
			return nil, err
		}

		out := make([]Process, 0, len(procs))
		for _, p := range procs {
			args, err := p.CmdLine()
			if err != nil || len(args) == 0 {
				continue
			}
			out = append(out, Process{PID: p.PID, Cmdline: strings.Join(args, " ")})
		}
		return out, nil
	}
}
