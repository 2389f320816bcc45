// Package nlog is the core's low-level log sink: buffered, timestamped,
// size-rotated writing to a file with an optional stderr mirror. It
// implements glog-style severities (Info/Warning/Error) only; the
// topic-and-debug-level facade callers actually use lives in xlog, which
// wraps this package the way the teacher layers its Logger on top of a
// plain severity sink.
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}

const (
	// MaxSize is the size (in bytes) at which a log file is rotated.
	MaxSize int64 = 4 * 1024 * 1024
)

var (
	toStderr     bool
	alsoToStderr bool
	logDir       = os.TempDir()
	title        string

	once  sync.Once
	files [3]*rotator
)

type rotator struct {
	mu      sync.Mutex
	sev     severity
	file    *os.File
	w       *bufio.Writer
	written int64
	erred   atomic.Bool
}

// InitFlags registers the stderr-routing flags the way the teacher's
// nlog.InitFlags does, so embedding binaries can parse them alongside
// their own.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDirRole sets the directory log files are rotated into. The role
// tag is accepted but not used: file names carry only the severity and a
// timestamp.
func SetLogDirRole(dir, _role string) {
	if dir != "" {
		logDir = dir
	}
}

func SetTitle(s string) { title = s }

func initFiles() {
	for _, sev := range []severity{sevInfo, sevWarn, sevErr} {
		files[sev] = &rotator{sev: sev}
	}
}

func (r *rotator) ensureOpen(now time.Time) error {
	if r.file != nil {
		return nil
	}
	name := fmt.Sprintf("xrdcl.%s.%s.log", sevName(r.sev), now.Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.erred.Store(true)
		return err
	}
	r.file = f
	r.w = bufio.NewWriterSize(f, 32*1024)
	r.written = 0
	r.erred.Store(false)
	if title != "" {
		fmt.Fprintln(r.w, title)
	}
	return nil
}

func (r *rotator) write(line []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.erred.Load() || r.ensureOpen(now) != nil {
		os.Stderr.Write(line)
		return
	}
	n, err := r.w.Write(line)
	r.written += int64(n)
	if err != nil {
		r.erred.Store(true)
		return
	}
	if r.written >= MaxSize {
		r.w.Flush()
		r.file.Close()
		r.file = nil
	}
}

func (r *rotator) flush() {
	r.mu.Lock()
	if r.w != nil {
		r.w.Flush()
	}
	r.mu.Unlock()
}

func sevName(s severity) string {
	switch s {
	case sevWarn:
		return "WARNING"
	case sevErr:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Flush flushes buffered log writers; pass true at process exit to also
// close the underlying files.
func Flush(exit ...bool) {
	once.Do(initFiles)
	ex := len(exit) > 0 && exit[0]
	for _, r := range files {
		r.flush()
		if ex && r.file != nil {
			r.file.Close()
		}
	}
}

func log(sev severity, depth int, format string, args ...any) {
	once.Do(initFiles)
	line := formatLine(sev, depth+1, format, args...)

	switch {
	case toStderr:
		os.Stderr.Write(line)
		return
	case alsoToStderr || sev >= sevWarn:
		os.Stderr.Write(line)
	}
	now := time.Now()
	files[sev].write(line, now)
	if sev >= sevWarn {
		files[sevErr].write(line, now)
	}
}

func formatLine(sev severity, depth int, format string, args ...any) []byte {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
