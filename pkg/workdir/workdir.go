// Package workdir manages the on-disk state behind a workspace: the
// cached session token, the engine pid file used to reap stale engines,
// and rotating plaintext log files.
package workdir

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	tokenFile = ".token"
	pidFile   = ".pid"
	logFile   = "workspace.log"
)

// Dir is the on-disk directory backing one workspace.
type Dir struct {
	path string
}

// Open ensures the directory for workspace name under root exists.
func Open(root, name string) (*Dir, error) {
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string { return d.path }

// SaveToken persists the session bearer token, readable only by the
// owning user.
func (d *Dir) SaveToken(token string) error {
	return trace.ConvertSystemError(os.WriteFile(filepath.Join(d.path, tokenFile), []byte(token), 0o600))
}

// LoadToken returns the cached session token, or "" when none is cached.
func (d *Dir) LoadToken() string {
	b, err := os.ReadFile(filepath.Join(d.path, tokenFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (d *Dir) ClearToken() error {
	err := os.Remove(filepath.Join(d.path, tokenFile))
	if err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// WritePID records the running engine's process id.
func (d *Dir) WritePID(pid int) error {
	return trace.ConvertSystemError(os.WriteFile(filepath.Join(d.path, pidFile), []byte(strconv.Itoa(pid)), 0o644))
}

func (d *Dir) RemovePID() {
	_ = os.Remove(filepath.Join(d.path, pidFile))
}

// ReapStale kills an engine left behind by a previous run. The recorded
// pid is probed with a null signal first; only a live process gets
// SIGKILL. Returns the pid that was killed, or 0.
func (d *Dir) ReapStale(ctx context.Context) (int, error) {
	path := filepath.Join(d.path, pidFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, trace.ConvertSystemError(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		// A mangled pid file is dropped, not trusted.
		_ = os.Remove(path)
		return 0, nil
	}
	if pid == os.Getpid() {
		return 0, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(path)
		return 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Nothing alive under that pid.
		_ = os.Remove(path)
		return 0, nil
	}
	dlog.Warnf(ctx, "killing stale engine process %d", pid)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return 0, trace.Wrap(err)
	}
	_ = os.Remove(path)
	return pid, nil
}

// OpenLog returns a logger writing rotated plaintext files into the
// workspace directory.
func (d *Dir) OpenLog() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	logger.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(d.path, logFile),
		MaxSize:    10,   // megabytes
		MaxBackups: 3,    // in the same directory
		MaxAge:     60,   // days
		LocalTime:  true, // rotated logfiles use local time names
	})
	return logger
}

// Uploader ships one local file to an external store under objectName.
type Uploader func(ctx context.Context, localPath, objectName string) error

// UploadLogs pushes every log file in the directory through upload with
// workspace-prefixed object names. Failures are collected; every file is
// attempted.
func (d *Dir) UploadLogs(ctx context.Context, upload Uploader) error {
	matches, err := filepath.Glob(filepath.Join(d.path, "*.log"))
	if err != nil {
		return trace.Wrap(err)
	}
	var result error
	for _, m := range matches {
		objectName := filepath.Base(d.path) + "/" + filepath.Base(m)
		if err := upload(ctx, m, objectName); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
