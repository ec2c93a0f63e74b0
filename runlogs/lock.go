package runlogs

import (
	"os"
	"strconv"
	"strings"
)

// LockState is what a worker's lock file says about the worker.
type LockState int

const (
	// LockMissing means the lock file does not exist.
	LockMissing LockState = iota
	// LockRunning means the file holds the pid of a worker.
	LockRunning
	// LockExited means the worker wrote "0\n", its clean exit signal.
	LockExited
	// LockUnknown covers everything else: placeholders, partial writes,
	// and unreadable files. Nothing can be concluded from it.
	LockUnknown
)

func (s LockState) String() string {
	switch s {
	case LockMissing:
		return "missing"
	case LockRunning:
		return "running"
	case LockExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitedContent is the exact content of a lock file after a clean exit.
const ExitedContent = "0\n"

// ReadLock reads the lock file at path. The pid is set only for LockRunning.
func ReadLock(path string) (LockState, int) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LockMissing, 0
		}
		return LockUnknown, 0
	}
	s := string(b)
	if s == ExitedContent {
		return LockExited, 0
	}
	if !strings.HasSuffix(s, "\n") {
		return LockUnknown, 0
	}
	pid, err := strconv.Atoi(strings.TrimSuffix(s, "\n"))
	if err != nil || pid <= 0 {
		return LockUnknown, 0
	}
	return LockRunning, pid
}

// WriteLock replaces the content of the lock file at path.
func WriteLock(path string, content string) error {
	return writeFileAtomic(path, []byte(content))
}
