package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
)

// KillGrace is how long a stopped job has between SIGTERM and SIGKILL.
var KillGrace = 2 * time.Second

// Local runs jobs as child processes of the server.
//
// Output goes to the run's log. The lock file holds the pid while the
// process runs and "0\n" once it exits. Bytes written to the control fifo
// are forwarded to the process's stdin, except the stop sequence, which
// kills the process group.
type Local struct {
	Logs *runlogs.Dir
}

func NewLocal(logs *runlogs.Dir) *Local {
	return &Local{Logs: logs}
}

// workDir returns the checkout of the commit if there is one, otherwise the
// repository directory.
func workDir(job *Job) string {
	if job.Repo == nil || job.Repo.Dir == "" {
		return ""
	}
	if job.Commit != "" {
		dir := filepath.Join(job.Repo.Dir, job.Commit)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return job.Repo.Dir
}

func (l *Local) Start(ctx context.Context, job *Job) (*Handle, error) {
	if job.Runner == nil || len(job.Runner.Command) == 0 {
		return nil, errors.New("backend: runner has no command")
	}
	if err := l.Logs.Prepare(job.Key); err != nil {
		return nil, err
	}
	p := job.Paths
	logFile, err := os.OpenFile(p.Log, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0660)
	if err != nil {
		return nil, err
	}
	if err := syscall.Mkfifo(p.Input, 0660); err != nil && !os.IsExist(err) {
		logFile.Close()
		return nil, fmt.Errorf("backend: creating fifo: %w", err)
	}
	// Opening read-write keeps the open from blocking, and keeps the fifo
	// readable when no writer is connected.
	fifo, err := os.OpenFile(p.Input, os.O_RDWR, 0)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	argv := job.Runner.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir(job)
	cmd.Env = append(os.Environ(),
		"PETERAMATI_USER="+job.User,
		"PETERAMATI_PSET="+job.Key.Pset,
		"PETERAMATI_RUNNER="+job.Key.Runner,
		"PETERAMATI_COMMIT="+job.Commit,
		"PETERAMATI_CHECKT="+strconv.FormatInt(job.Checkt, 10),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		fifo.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "cannot start %s: %s\n", argv[0], err)
		logFile.Close()
		fifo.Close()
		l.Logs.WriteExit(job.Key, job.Checkt, models.StatusError)
		return nil, err
	}
	pid := cmd.Process.Pid
	lockErr := runlogs.WriteLock(p.Lock, strconv.Itoa(pid)+"\n")
	if lockErr != nil {
		// Without a lock file the run can't be tracked.
		syscall.Kill(-pid, syscall.SIGKILL)
	}
	go metrics.Increment("backend.local.started")

	go forwardInput(fifo, stdin, pid)
	go func() {
		start := time.Now()
		err := cmd.Wait()
		status := models.StatusDone
		if err != nil {
			status = models.StatusError
			fmt.Fprintf(logFile, "\n%s\n", err)
		}
		logFile.Close()
		stdin.Close()
		fifo.Close()
		if err := l.Logs.WriteExit(job.Key, job.Checkt, status); err != nil {
			log.Printf("Could not record exit of %s@%d: %s", job.Key, job.Checkt, err)
		}
		if err := runlogs.WriteLock(p.Lock, runlogs.ExitedContent); err != nil {
			log.Printf("Could not release lock of %s@%d: %s", job.Key, job.Checkt, err)
		}
		go metrics.Time("backend.local.duration", time.Since(start))
	}()
	if lockErr != nil {
		return nil, lockErr
	}
	return &Handle{LockFile: p.Lock, InputFifo: p.Input}, nil
}

// forwardInput copies the fifo to the process's stdin until the fifo is
// closed. The stop sequence kills the process group instead.
func forwardInput(fifo *os.File, stdin io.WriteCloser, pid int) {
	buf := make([]byte, 4096)
	var prev byte
	for {
		n, err := fifo.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if (prev == StopSequence[0] && chunk[0] == StopSequence[1]) || bytes.Contains(chunk, StopSequence) {
				kill(pid)
				return
			}
			prev = chunk[n-1]
			if _, werr := stdin.Write(chunk); werr != nil {
				// The process closed stdin; keep draining so stop still works.
				continue
			}
		}
		if err != nil {
			return
		}
	}
}

func kill(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(KillGrace)
		syscall.Kill(-pid, syscall.SIGKILL)
	}()
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func (l *Local) Poll(ctx context.Context, key runlogs.Key, checkt int64) (models.JobStatus, error) {
	if s, ok := l.Logs.ReadExit(key, checkt); ok {
		return s, nil
	}
	if !l.Logs.Exists(key, checkt) {
		return "", runlogs.ErrNoSuchLog
	}
	p, err := l.Logs.Paths(key, checkt)
	if err != nil {
		return "", err
	}
	state, pid := runlogs.ReadLock(p.Lock)
	switch state {
	case runlogs.LockRunning:
		if alive(pid) {
			return models.StatusWorking, nil
		}
		// The process died without recording its exit, for example with the
		// server that started it.
		l.Logs.WriteExit(key, checkt, models.StatusError)
		return models.StatusError, nil
	case runlogs.LockExited:
		// The exit file is written first, so it may only be missing if
		// writing it failed.
		return models.StatusError, nil
	case runlogs.LockMissing:
		return models.StatusError, nil
	default:
		return models.StatusWorking, nil
	}
}

func (l *Local) Stop(ctx context.Context, key runlogs.Key, checkt int64) error {
	if _, ok := l.Logs.ReadExit(key, checkt); ok {
		return nil
	}
	err := l.Logs.WriteInput(key, checkt, StopSequence)
	if err == nil {
		return nil
	}
	// Nobody is reading the fifo. If the process is still there, kill it
	// directly.
	p, perr := l.Logs.Paths(key, checkt)
	if perr != nil {
		return perr
	}
	if state, pid := runlogs.ReadLock(p.Lock); state == runlogs.LockRunning && alive(pid) {
		kill(pid)
		return nil
	}
	return err
}
