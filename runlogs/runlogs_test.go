package runlogs

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/test"
)

var key = Key{RepoID: 3, Pset: "pset1", Runner: "grade"}

func writeLog(t *testing.T, d *Dir, checkt int64, content string) Paths {
	t.Helper()
	test.AssertNotError(t, d.Prepare(key), "")
	p, err := d.Paths(key, checkt)
	test.AssertNotError(t, err, "")
	test.AssertNotError(t, os.WriteFile(p.Log, []byte(content), 0660), "")
	return p
}

func TestPaths(t *testing.T) {
	d := New("/var/run/pa")
	p, err := d.Paths(key, 1500000000)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, p.Log, "/var/run/pa/repo3/pset1/grade/1500000000.log")
	test.AssertEquals(t, p.Lock, "/var/run/pa/repo3/pset1/grade/1500000000.pid")
	test.AssertEquals(t, p.Input, "/var/run/pa/repo3/pset1/grade/1500000000.in")
}

func TestPathsRejectsTraversal(t *testing.T) {
	d := New(t.TempDir())
	for _, k := range []Key{
		{RepoID: 1, Pset: "..", Runner: "x"},
		{RepoID: 1, Pset: "p", Runner: "a/b"},
		{RepoID: 0, Pset: "p", Runner: "x"},
		{RepoID: 1, Pset: "", Runner: "x"},
	} {
		_, err := d.Paths(k, 1)
		test.AssertError(t, err, k.String())
	}
}

func TestCheckts(t *testing.T) {
	d := New(t.TempDir())
	_, err := d.Latest(key)
	test.AssertEquals(t, err, ErrNoSuchLog)

	writeLog(t, d, 100, "a")
	writeLog(t, d, 300, "b")
	writeLog(t, d, 200, "c")
	p, _ := d.Paths(key, 400)
	test.AssertNotError(t, os.WriteFile(p.Lock, []byte("1\n"), 0660), "")

	checkts, err := d.Checkts(key)
	test.AssertNotError(t, err, "")
	test.AssertDeepEquals(t, checkts, []int64{300, 200, 100})
	latest, err := d.Latest(key)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, latest, int64(300))
	test.Assert(t, d.Exists(key, 200), "")
	test.Assert(t, !d.Exists(key, 400), "a lock file alone is not a log")
}

func TestReadLogOffsets(t *testing.T) {
	d := New(t.TempDir())
	p := writeLog(t, d, 100, "hello ")

	data, off, err := d.ReadLog(key, 100, 0)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, data, "hello ")
	test.AssertEquals(t, off, int64(6))

	f, err := os.OpenFile(p.Log, os.O_APPEND|os.O_WRONLY, 0)
	test.AssertNotError(t, err, "")
	f.Write([]byte("world"))
	f.Close()

	data, off, err = d.ReadLog(key, 100, off)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, data, "world")
	test.AssertEquals(t, off, int64(11))

	data, off, err = d.ReadLog(key, 100, off)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, data, "")
	test.AssertEquals(t, off, int64(11))

	data, off, err = d.ReadLog(key, 100, 50)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, data, "")
	test.AssertEquals(t, off, int64(50))

	_, _, err = d.ReadLog(key, 999, 0)
	test.AssertEquals(t, err, ErrNoSuchLog)
}

func TestReadLogCapsRead(t *testing.T) {
	d := New(t.TempDir())
	writeLog(t, d, 100, strings.Repeat("x", MaxRead+10))
	data, off, err := d.ReadLog(key, 100, 0)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(data), MaxRead)
	data, off, err = d.ReadLog(key, 100, off)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(data), 10)
	test.AssertEquals(t, off, int64(MaxRead+10))
	size, err := d.LogSize(key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, size, off)
	_, err = d.LogSize(key, 999)
	test.AssertEquals(t, err, ErrNoSuchLog)
}

func TestExitFile(t *testing.T) {
	d := New(t.TempDir())
	writeLog(t, d, 100, "")
	_, ok := d.ReadExit(key, 100)
	test.Assert(t, !ok, "")
	test.AssertNotError(t, d.WriteExit(key, 100, models.StatusError), "")
	s, ok := d.ReadExit(key, 100)
	test.Assert(t, ok, "")
	test.AssertEquals(t, s, models.StatusError)
}

func TestJobID(t *testing.T) {
	d := New(t.TempDir())
	writeLog(t, d, 100, "")
	_, err := d.ReadJobID(key, 100)
	test.AssertError(t, err, "")
	test.AssertNotError(t, d.WriteJobID(key, 100, "job-1"), "")
	id, err := d.ReadJobID(key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, id, "job-1")
}

func TestMarkArchivedOnce(t *testing.T) {
	d := New(t.TempDir())
	writeLog(t, d, 100, "")
	ok, err := d.MarkArchived(key, 100)
	test.AssertNotError(t, err, "")
	test.Assert(t, ok, "first claim wins")
	ok, err = d.MarkArchived(key, 100)
	test.AssertNotError(t, err, "")
	test.Assert(t, !ok, "second claim loses")
}

func TestWriteInputWithoutReader(t *testing.T) {
	d := New(t.TempDir())
	p := writeLog(t, d, 100, "")
	test.AssertError(t, d.WriteInput(key, 100, []byte("\x1b\x03")), "no fifo")
	test.AssertNotError(t, syscall.Mkfifo(p.Input, 0660), "")
	// Nobody has the fifo open for reading, so a non-blocking open fails
	// instead of hanging.
	test.AssertError(t, d.WriteInput(key, 100, []byte("\x1b\x03")), "no reader")
}

func TestWriteInputWithReader(t *testing.T) {
	d := New(t.TempDir())
	p := writeLog(t, d, 100, "")
	test.AssertNotError(t, syscall.Mkfifo(p.Input, 0660), "")
	r, err := os.OpenFile(p.Input, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	test.AssertNotError(t, err, "")
	defer r.Close()
	test.AssertNotError(t, d.WriteInput(key, 100, []byte("\x1b\x03")), "")
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, string(buf[:n]), "\x1b\x03")
}

func TestReadLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.pid")
	state, _ := ReadLock(path)
	test.AssertEquals(t, state, LockMissing)

	cases := map[string]LockState{
		"0\n":      LockExited,
		"1234\n":   LockRunning,
		"0":        LockUnknown,
		"12":       LockUnknown,
		"":         LockUnknown,
		"remote\n": LockUnknown,
		"0\n0\n":   LockUnknown,
		"-5\n":     LockUnknown,
	}
	for content, want := range cases {
		test.AssertNotError(t, WriteLock(path, content), "")
		state, pid := ReadLock(path)
		if state != want {
			t.Errorf("ReadLock(%q): got %s, want %s", content, state, want)
		}
		if state == LockRunning && pid != 1234 {
			t.Errorf("ReadLock(%q): got pid %d", content, pid)
		}
	}
}
