// Package runlogs manages the on-disk record of each run: its output log,
// the worker's lock file, the control fifo, and small status files.
//
// A run of runner R on pset P for repository N, started at checkt T, lives in
//
//	<root>/repo<N>/<P>/<R>/<T>.log      output
//	<root>/repo<N>/<P>/<R>/<T>.pid      worker lock file
//	<root>/repo<N>/<P>/<R>/<T>.in       control fifo
//	<root>/repo<N>/<P>/<R>/<T>.exit     terminal status, once known
//	<root>/repo<N>/<P>/<R>/<T>.job      container service job id
//	<root>/repo<N>/<P>/<R>/<T>.archived present once the log is archived
package runlogs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/brown-padev/peteramati/models"
)

// ErrNoSuchLog indicates that no log exists for the requested run.
var ErrNoSuchLog = errors.New("No such job")

// MaxRead is the most output returned by one ReadLog call. Callers pick up
// the rest on their next poll.
const MaxRead = 1 << 20

// Key identifies the runs of one runner for one student's pset.
type Key struct {
	RepoID int64
	Pset   string
	Runner string
}

func (k Key) String() string {
	return fmt.Sprintf("repo%d/%s/%s", k.RepoID, k.Pset, k.Runner)
}

// Dir is a directory of run logs.
type Dir struct {
	Root string
}

func New(root string) *Dir {
	return &Dir{Root: root}
}

// Paths are the files belonging to one run.
type Paths struct {
	Log      string
	Lock     string
	Input    string
	Exit     string
	Job      string
	Archived string
}

func validComponent(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (d *Dir) dir(key Key) (string, error) {
	if key.RepoID <= 0 || !validComponent(key.Pset) || !validComponent(key.Runner) {
		return "", fmt.Errorf("runlogs: invalid key %s", key)
	}
	return filepath.Join(d.Root, fmt.Sprintf("repo%d", key.RepoID), key.Pset, key.Runner), nil
}

// Paths returns the file names of the run at checkt.
func (d *Dir) Paths(key Key, checkt int64) (Paths, error) {
	dir, err := d.dir(key)
	if err != nil {
		return Paths{}, err
	}
	base := filepath.Join(dir, strconv.FormatInt(checkt, 10))
	return Paths{
		Log:      base + ".log",
		Lock:     base + ".pid",
		Input:    base + ".in",
		Exit:     base + ".exit",
		Job:      base + ".job",
		Archived: base + ".archived",
	}, nil
}

// Prepare creates the directory for key's runs.
func (d *Dir) Prepare(key Key) error {
	dir, err := d.dir(key)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0770)
}

// Checkts returns the checkts of every logged run for key, newest first.
func (d *Dir) Checkts(key Key) ([]int64, error) {
	dir, err := d.dir(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var checkts []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		t, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil || t <= 0 {
			continue
		}
		checkts = append(checkts, t)
	}
	sort.Slice(checkts, func(i, j int) bool { return checkts[i] > checkts[j] })
	return checkts, nil
}

// Latest returns the newest checkt logged for key, or ErrNoSuchLog.
func (d *Dir) Latest(key Key) (int64, error) {
	checkts, err := d.Checkts(key)
	if err != nil {
		return 0, err
	}
	if len(checkts) == 0 {
		return 0, ErrNoSuchLog
	}
	return checkts[0], nil
}

// Exists reports whether a log exists for the run at checkt.
func (d *Dir) Exists(key Key, checkt int64) bool {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return false
	}
	_, err = os.Stat(p.Log)
	return err == nil
}

// LogSize returns how many bytes the run has written so far.
func (d *Dir) LogSize(key Key, checkt int64) (int64, error) {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p.Log)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSuchLog
		}
		return 0, err
	}
	return fi.Size(), nil
}

// ReadLog returns the output of the run from offset on, at most MaxRead
// bytes of it, and the offset to pass next time. An offset past the end
// returns no data and the same offset.
func (d *Dir) ReadLog(key Key, checkt int64, offset int64) (string, int64, error) {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return "", offset, err
	}
	f, err := os.Open(p.Log)
	if err != nil {
		if os.IsNotExist(err) {
			return "", offset, ErrNoSuchLog
		}
		return "", offset, err
	}
	defer f.Close()
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, MaxRead)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return "", offset, err
	}
	return string(buf[:n]), offset + int64(n), nil
}

// WriteInput writes data to the run's control fifo without blocking. It
// fails if nobody is reading the fifo.
func (d *Dir) WriteInput(key Key, checkt int64, data []byte) error {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return err
	}
	return WriteFifo(p.Input, data)
}

// WriteFifo writes data to the fifo at path without blocking.
func WriteFifo(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// WriteExit records the terminal status of the run.
func (d *Dir) WriteExit(key Key, checkt int64, status models.JobStatus) error {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return err
	}
	return writeFileAtomic(p.Exit, []byte(string(status)+"\n"))
}

// ReadExit returns the recorded terminal status of the run, if there is one.
func (d *Dir) ReadExit(key Key, checkt int64) (models.JobStatus, bool) {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return "", false
	}
	b, err := os.ReadFile(p.Exit)
	if err != nil {
		return "", false
	}
	switch s := models.JobStatus(strings.TrimSpace(string(b))); s {
	case models.StatusDone, models.StatusError:
		return s, true
	default:
		return "", false
	}
}

// WriteJobID records the container service's id for the run.
func (d *Dir) WriteJobID(key Key, checkt int64, id string) error {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return err
	}
	return writeFileAtomic(p.Job, []byte(id+"\n"))
}

// ReadJobID returns the container service's id for the run.
func (d *Dir) ReadJobID(key Key, checkt int64) (string, error) {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p.Job)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return "", fmt.Errorf("runlogs: empty job id for %s@%d", key, checkt)
	}
	return id, nil
}

// MarkArchived claims the right to archive the run. It returns true exactly
// once per run, however many pollers race for it.
func (d *Dir) MarkArchived(key Key, checkt int64) (bool, error) {
	p, err := d.Paths(key, checkt)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(p.Archived, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0660); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
