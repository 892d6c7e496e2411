package process

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ps "github.com/shirou/gopsutil/v3/process"
)

// Info is a snapshot of a live worker read from the process table.
type Info struct {
	PID     int
	PIN     int
	Started time.Time
	RSS     uint64
	CPU     float64
	Command string
}

// Alive reports whether pid names an existing process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := ps.PidExists(int32(pid))
	return err == nil && ok
}

// Children returns the pids of the direct children of pid.
func Children(pid int) ([]int, error) {
	proc, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("inspect process %d: %w", pid, err)
	}
	children, err := proc.Children()
	if err != nil {
		if errors.Is(err, ps.ErrorNoChildren) {
			return nil, nil
		}
		return nil, fmt.Errorf("list children of %d: %w", pid, err)
	}
	out := make([]int, 0, len(children))
	for _, child := range children {
		out = append(out, int(child.Pid))
	}
	sort.Ints(out)
	return out, nil
}

// Workers returns a snapshot of the workers of masterPID ordered by PIN.
// Children that carry no worker identity get PIN -1.
func Workers(masterPID int) ([]Info, error) {
	pids, err := Children(masterPID)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(pids))
	for _, pid := range pids {
		proc, err := ps.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		info := Info{PID: pid, PIN: -1}
		if env, err := proc.Environ(); err == nil {
			info.PIN = pinFromEnv(env)
		}
		if created, err := proc.CreateTime(); err == nil {
			info.Started = time.UnixMilli(created)
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			info.RSS = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			info.CPU = cpu
		}
		if cmdline, err := proc.Cmdline(); err == nil {
			info.Command = cmdline
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PIN < out[j].PIN
	})
	return out, nil
}

func pinFromEnv(env []string) int {
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key != EnvPIN {
			continue
		}
		pin, err := strconv.Atoi(value)
		if err != nil {
			return -1
		}
		return pin
	}
	return -1
}
