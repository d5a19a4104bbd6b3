package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// defaultStdout returns the process's standard output as an io.Writer. A
// function (rather than a bare os.Stdout reference) keeps server_test.go
// free to swap in a buffer via Config.Sinks without touching this file.
func defaultStdout() io.Writer { return os.Stdout }

// rotatingFile is a minimal size-based log roller: once the current file
// exceeds maxBytes, it is closed and a fresh one opened alongside it. This
// mirrors the rotation policy gopkg.in/natefinch/lumberjack.v2 applies to
// this server's text logs (internal/logger), adapted here to the binary FLV
// framing the recorder writes instead of newline-delimited text.
type rotatingFile struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64

	f       *os.File
	written int64
}

const defaultRecordRotateBytes = 256 * 1024 * 1024

// newRotatingRecordFile opens the first segment file under dir, creating dir
// if necessary.
func newRotatingRecordFile(dir string) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	rf := &rotatingFile{dir: dir, maxBytes: defaultRecordRotateBytes}
	if err := rf.roll(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *rotatingFile) roll() error {
	if r.f != nil {
		_ = r.f.Close()
	}
	name := filepath.Join(r.dir, fmt.Sprintf("mix_%s.flv", time.Now().UTC().Format("20060102T150405.000000000Z")))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	r.f = f
	r.written = 0
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written >= r.maxBytes {
		if err := r.roll(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}
