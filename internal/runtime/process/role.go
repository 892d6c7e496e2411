package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables describing the role of a re-executed process.
const (
	EnvRole      = "PREFORK_ROLE"
	EnvPIN       = "PREFORK_PIN"
	EnvMasterPID = "PREFORK_MASTER_PID"
	EnvLockFD    = "PREFORK_LOCK_FD"
)

// Role identifies which control path a process takes at start-up.
type Role int

const (
	// RoleLauncher is the original invocation. It becomes the master unless
	// it detaches.
	RoleLauncher Role = iota
	// RoleDetached is the master created by detaching from the terminal.
	RoleDetached
	// RoleWorker is a pool member.
	RoleWorker
)

const (
	roleWorker   = "worker"
	roleDetached = "daemon"
)

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleLauncher:
		return "launcher"
	case RoleDetached:
		return "detached"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Identity is the decoded role of the current process.
type Identity struct {
	Role      Role
	PIN       int
	MasterPID int
	LockFD    int
}

// CurrentIdentity decodes the identity of this process from its environment.
func CurrentIdentity() (Identity, error) {
	return ParseIdentity(os.Getenv)
}

// ParseIdentity decodes an identity using lookup to read variables.
func ParseIdentity(lookup func(string) string) (Identity, error) {
	id := Identity{Role: RoleLauncher, PIN: -1, LockFD: -1}
	switch lookup(EnvRole) {
	case "":
		return id, nil
	case roleDetached:
		id.Role = RoleDetached
		if raw := lookup(EnvLockFD); raw != "" {
			fd, err := strconv.Atoi(raw)
			if err != nil || fd < 0 {
				return id, fmt.Errorf("invalid %s %q", EnvLockFD, raw)
			}
			id.LockFD = fd
		}
		return id, nil
	case roleWorker:
		id.Role = RoleWorker
		pin, err := strconv.Atoi(lookup(EnvPIN))
		if err != nil || pin < 0 {
			return id, fmt.Errorf("invalid %s %q", EnvPIN, lookup(EnvPIN))
		}
		master, err := strconv.Atoi(lookup(EnvMasterPID))
		if err != nil || master <= 0 {
			return id, fmt.Errorf("invalid %s %q", EnvMasterPID, lookup(EnvMasterPID))
		}
		id.PIN = pin
		id.MasterPID = master
		return id, nil
	default:
		return id, fmt.Errorf("unknown %s %q", EnvRole, lookup(EnvRole))
	}
}

// WorkerEnv returns base with the worker identity for pin applied.
func WorkerEnv(base []string, pin, masterPID int) []string {
	env := scrubEnv(base)
	return append(env,
		EnvRole+"="+roleWorker,
		EnvPIN+"="+strconv.Itoa(pin),
		EnvMasterPID+"="+strconv.Itoa(masterPID),
	)
}

// DetachedEnv returns base marked as a detached master. A negative lockFD
// means no lock is handed over.
func DetachedEnv(base []string, lockFD int) []string {
	env := append(scrubEnv(base), EnvRole+"="+roleDetached)
	if lockFD >= 0 {
		env = append(env, EnvLockFD+"="+strconv.Itoa(lockFD))
	}
	return env
}

func scrubEnv(base []string) []string {
	out := make([]string, 0, len(base)+3)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case EnvRole, EnvPIN, EnvMasterPID, EnvLockFD:
			continue
		}
		out = append(out, kv)
	}
	return out
}

// CommandEnv returns a worker environment prepared for an external command:
// the worker identity stays visible through PREFORK_PIN and
// PREFORK_MASTER_PID, the role marker is dropped so a command built on this
// package starts as a launcher of its own.
func CommandEnv(base []string) []string {
	out := make([]string, 0, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == EnvRole || key == EnvLockFD {
			continue
		}
		out = append(out, kv)
	}
	return out
}
