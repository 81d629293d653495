// Package launcher prepares plugin environments and supervises the
// worker processes that host them.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/spindleworks/spindle/pkg/shellquote"
	"github.com/spindleworks/spindle/pkg/wire"
)

const DefaultForceQuitTimeout = 5 * time.Second

// Runner executes pipeline commands. The default implementation shells
// out through dexec so every command is logged on the context; tests
// substitute fakes.
type Runner interface {
	// Run executes argv in dir with extra environment entries,
	// forwarding each output line to sink. On failure, tail holds the
	// last chunk of combined output for error reporting.
	Run(ctx context.Context, dir string, env []string, argv []string, sink func(line string)) (tail string, err error)
	// Output executes argv and returns its stdout.
	Output(ctx context.Context, dir string, argv []string) (string, error)
}

type Config struct {
	// WorkDir is the root under which plugin working directories are
	// created.
	WorkDir string
	// ServerURL is the websocket endpoint workers dial back to.
	ServerURL string
	// WorkerModule is the python module started with -m.
	WorkerModule string
	// ForceQuitTimeout bounds the soft-disconnect grace period.
	ForceQuitTimeout time.Duration
	Runner           Runner
}

// Launcher runs the install pipeline and starts workers. The command
// history shared by all installs makes repeated init_plugin calls
// idempotent.
type Launcher struct {
	cfg Config

	mu      sync.Mutex
	history map[string]bool
}

func New(cfg Config) *Launcher {
	if cfg.WorkerModule == "" {
		cfg.WorkerModule = "spindle_worker"
	}
	if cfg.ForceQuitTimeout <= 0 {
		cfg.ForceQuitTimeout = DefaultForceQuitTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	return &Launcher{cfg: cfg, history: make(map[string]bool)}
}

// Spec describes one plugin worker to prepare and launch.
type Spec struct {
	PluginID     string
	Name         string
	Tag          string
	WorkDir      string // defaults to <cfg.WorkDir>/<name>-<tag>
	Env          []any
	Requirements []string
	Command      string // interpreter, defaults to python
}

// Hooks observe the pipeline and the worker. All fields are optional.
type Hooks struct {
	OnProgress func(pct int)
	OnLog      func(level, text string)
	// OnExit fires once when the worker process ends. err is nil for a
	// clean exit and carries WorkerCrashed otherwise.
	OnExit func(code int, err error)
}

func (h Hooks) log(level, text string) {
	if h.OnLog != nil {
		h.OnLog(level, text)
	}
}

// Install runs the environment pipeline for spec: clone repositories,
// create conda environments, reserve devices, install requirements.
// Cancelling ctx aborts between and inside steps. The returned env is
// what Start needs to place the worker in the prepared environment.
func (l *Launcher) Install(ctx context.Context, spec *Spec, hooks Hooks) (*ParsedEnv, error) {
	dir := l.pluginDir(spec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	repos, cmds, err := ParseRequirements(spec.Requirements)
	if err != nil {
		return nil, err
	}
	env, err := ParseEnv(spec.Env, DefaultEnvName(spec.Name, spec.Tag), dir)
	if err != nil {
		return nil, err
	}

	steps := len(repos) + len(env.Setup) + len(cmds)
	done := 0
	step := func() {
		done++
		if hooks.OnProgress != nil && steps > 0 {
			hooks.OnProgress(done * 100 / steps)
		}
	}

	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := l.syncRepo(ctx, dir, repo, hooks); err != nil {
			return nil, err
		}
		step()
	}

	if env.GPU != nil {
		devices, err := l.reserveGPU(ctx, env.GPU)
		if err != nil {
			return nil, wire.WithKind(err, wire.KindLaunchFailed)
		}
		env.Variables["CUDA_VISIBLE_DEVICES"] = devices
		hooks.log("info", "reserved GPU "+devices)
	}

	for _, line := range env.Setup {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := l.runLine(ctx, dir, env, line, false, hooks); err != nil {
			return nil, err
		}
		step()
	}

	bootstrapped := false
	for _, line := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		err := l.runLine(ctx, dir, env, line, true, hooks)
		if err != nil && !bootstrapped && missingToolchain(err) {
			// git or pip is absent from the target env. Pull them in
			// once and retry the failed command.
			bootstrapped = true
			hooks.log("info", "installing git and pip")
			if berr := l.runLine(ctx, dir, env, "conda install -y git pip", true, hooks); berr == nil {
				err = l.runLine(ctx, dir, env, line, true, hooks)
			}
		}
		if err != nil {
			return nil, err
		}
		step()
	}
	return env, nil
}

func (l *Launcher) pluginDir(spec *Spec) string {
	if spec.WorkDir != "" {
		return spec.WorkDir
	}
	return filepath.Join(l.cfg.WorkDir, DefaultEnvName(spec.Name, spec.Tag))
}

func (l *Launcher) syncRepo(ctx context.Context, dir string, repo Repo, hooks Hooks) error {
	target := filepath.Join(dir, repo.Dir)
	sink := func(line string) { hooks.log("info", line) }
	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		dlog.Debugf(ctx, "pulling %s in %s", repo.URL, target)
		tail, err := l.cfg.Runner.Run(ctx, target, nil, []string{"git", "pull", "--all"}, sink)
		if err != nil {
			return installFailed("git pull "+repo.URL, tail, err)
		}
		return nil
	}
	tail, err := l.cfg.Runner.Run(ctx, dir, nil, []string{"git", "clone", "--progress", "--depth=1", repo.URL, repo.Dir}, sink)
	if err != nil {
		return installFailed("git clone "+repo.URL, tail, err)
	}
	return nil
}

// runLine executes one install command, honouring the shared command
// history. inEnv routes the command into the plugin's conda env.
func (l *Launcher) runLine(ctx context.Context, dir string, env *ParsedEnv, line string, inEnv bool, hooks Hooks) error {
	if l.seen(line) {
		dlog.Debugf(ctx, "skipping %q, already ran", line)
		return nil
	}
	argv, err := shellquote.Split(line)
	if err != nil || len(argv) == 0 {
		return trace.BadParameter("bad install command %q", line)
	}
	if inEnv && env.CondaEnv != "" {
		if argv[0] != "conda" {
			argv = append([]string{"conda", "run", "-n", env.CondaEnv}, argv...)
		} else if len(argv) > 1 && !slices.Contains(argv, "-n") && !slices.Contains(argv, "--name") {
			argv = slices.Insert(argv, 2, "-n", env.CondaEnv)
		}
	}
	tail, err := l.cfg.Runner.Run(ctx, dir, envPairs(env.Variables), argv, func(s string) { hooks.log("info", s) })
	if err != nil {
		return installFailed(line, tail, err)
	}
	l.remember(line)
	return nil
}

func (l *Launcher) seen(line string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history[line]
}

func (l *Launcher) remember(line string) {
	l.mu.Lock()
	l.history[line] = true
	l.mu.Unlock()
}

// History returns a sorted snapshot of the install commands run so far.
func (l *Launcher) History() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.history))
	for line := range l.history {
		out = append(out, line)
	}
	l.mu.Unlock()
	sort.Strings(out)
	return out
}

// reserveGPU picks devices below the requested load and memory caps,
// returning a CUDA_VISIBLE_DEVICES value.
func (l *Launcher) reserveGPU(ctx context.Context, req *GPURequest) (string, error) {
	out, err := l.cfg.Runner.Output(ctx, "", []string{
		"nvidia-smi", "--query-gpu=index,utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	})
	if err != nil {
		return "", trace.Wrap(err, "nvidia-smi failed")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	maxLoad := req.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 0.5
	}
	maxMemory := req.MaxMemory
	if maxMemory <= 0 {
		maxMemory = 0.5
	}
	var picked []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}
		load, _ := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		used, _ := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		total, _ := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if load/100 > maxLoad {
			continue
		}
		if total > 0 && used/total > maxMemory {
			continue
		}
		picked = append(picked, strings.TrimSpace(fields[0]))
		if len(picked) == limit {
			break
		}
	}
	if len(picked) == 0 {
		return "", trace.NotFound("no GPU below load %.2f and memory %.2f", maxLoad, maxMemory)
	}
	return strings.Join(picked, ","), nil
}

// Start launches the worker process for spec inside the prepared env.
// The process gets its own session so KillTree can take out the whole
// subtree. ctx must outlive the worker; cancelling it kills the
// process.
func (l *Launcher) Start(ctx context.Context, spec *Spec, env *ParsedEnv, secret string, hooks Hooks) (*Worker, error) {
	argv, err := workerArgv(spec, env, l.cfg.WorkerModule, l.cfg.ServerURL, secret)
	if err != nil {
		return nil, err
	}
	w, err := startProcess(ctx, l.pluginDir(spec), envPairs(env.Variables), argv, spec.PluginID, hooks)
	if err != nil {
		return nil, wire.WithKind(trace.Wrap(err, "cannot start worker for plugin %s", spec.PluginID), wire.KindLaunchFailed)
	}
	dlog.Infof(ctx, "started worker for plugin %s (pid %d)", spec.PluginID, w.Pid())
	return w, nil
}

// workerArgv builds the worker argument vector:
//
//	<cmd> -m <worker-module> --id=<pid> --server=<url> --secret=<secret>
func workerArgv(spec *Spec, env *ParsedEnv, module, serverURL, secret string) ([]string, error) {
	command := spec.Command
	if command == "" {
		command = "python"
	}
	argv, err := shellquote.Split(command)
	if err != nil || len(argv) == 0 {
		return nil, trace.BadParameter("bad plugin command %q", command)
	}
	argv = append(argv,
		"-m", module,
		"--id="+spec.PluginID,
		"--server="+serverURL,
		"--secret="+secret,
	)
	if env.CondaEnv != "" {
		argv = append([]string{"conda", "run", "-n", env.CondaEnv}, argv...)
	}
	return argv, nil
}

func startProcess(ctx context.Context, dir string, env, argv []string, pluginID string, hooks Hooks) (*Worker, error) {
	cmd := dexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	// Output goes out as logging frames; default dexec logging would
	// also put the secret-bearing argv in the engine log.
	cmd.DisableLogging = true
	outW := &lineWriter{sink: func(line string) { hooks.log("info", line) }}
	errW := &lineWriter{sink: func(line string) { hooks.log("error", line) }}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	w := &Worker{
		PluginID: pluginID,
		pid:      cmd.Process.Pid,
		doneCh:   make(chan struct{}),
		exitCode: -1,
	}
	go func() {
		werr := cmd.Wait()
		outW.flush()
		errW.flush()
		code := 0
		var err error
		if werr != nil {
			code = exitCode(werr)
			err = wire.WithKind(trace.Wrap(werr, "plugin %s worker exited with code %d", pluginID, code), wire.KindWorkerCrashed)
		}
		w.mu.Lock()
		w.exitCode = code
		w.exitErr = err
		w.mu.Unlock()
		close(w.doneCh)
		if hooks.OnExit != nil {
			hooks.OnExit(code, err)
		}
	}()
	return w, nil
}

// Worker is a running plugin process.
type Worker struct {
	PluginID string
	pid      int
	doneCh   chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

func (w *Worker) Pid() int { return w.pid }

// Done closes when the process has exited.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

func (w *Worker) Alive() bool {
	select {
	case <-w.doneCh:
		return false
	default:
		return true
	}
}

// ExitState returns the exit code and error; code is -1 while the
// process still runs.
func (w *Worker) ExitState() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode, w.exitErr
}

// KillTree sends SIGKILL to the worker's process group.
func (w *Worker) KillTree() error {
	if err := unix.Kill(-w.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return trace.Wrap(err)
	}
	return nil
}

// Shutdown terminates a worker: soft asks the plugin to disconnect
// itself and is given the force-quit timeout to be acknowledged; a
// worker still alive after an acknowledged disconnect gets the same
// grace before the process tree is killed. An exit that followed an
// acknowledged disconnect counts as a normal stop even when the grace
// ran out; forced is true only when the plugin never acknowledged.
func (l *Launcher) Shutdown(ctx context.Context, w *Worker, soft func(context.Context) error) (forced bool, err error) {
	if w == nil {
		return false, nil
	}
	softOK := false
	if soft != nil && w.Alive() {
		sctx, cancel := context.WithTimeout(ctx, l.cfg.ForceQuitTimeout)
		if err := soft(sctx); err != nil {
			dlog.Debugf(ctx, "plugin %s ignored the disconnect request: %v", w.PluginID, err)
		} else {
			softOK = true
		}
		cancel()
	}
	if softOK {
		select {
		case <-w.Done():
			return false, nil
		case <-time.After(l.cfg.ForceQuitTimeout):
		case <-ctx.Done():
		}
	}
	if !w.Alive() {
		return false, nil
	}
	dlog.Warnf(ctx, "force quitting plugin %s (pid %d)", w.PluginID, w.Pid())
	if err := w.KillTree(); err != nil {
		return !softOK, err
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
	}
	return !softOK, nil
}

// missingToolchain reports whether err looks like git or pip being
// absent, which the bootstrap step can fix.
func missingToolchain(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "No module named") ||
		strings.Contains(msg, "no such file or directory")
}

func installFailed(line, tail string, err error) error {
	if tail = strings.TrimSpace(tail); tail != "" {
		err = trace.Wrap(err, "%s: %s", line, tail)
	} else {
		err = trace.Wrap(err, "%s failed", line)
	}
	return wire.WithKind(err, wire.KindInstallFailed)
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func envPairs(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, env, argv []string, sink func(string)) (string, error) {
	cmd := dexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	lw := &lineWriter{sink: sink}
	cmd.Stdout = lw
	cmd.Stderr = lw
	err := cmd.Run()
	return lw.flush(), err
}

func (execRunner) Output(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := dexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}

// lineWriter splits writes into lines for the sink and keeps the last
// chunk of output for error reporting.
type lineWriter struct {
	sink func(string)

	mu   sync.Mutex
	buf  []byte
	tail []byte
}

const tailLimit = 4096

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.tail = append(lw.tail, p...)
	if over := len(lw.tail) - tailLimit; over > 0 {
		lw.tail = lw.tail[over:]
	}
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(lw.buf[:i]), "\r")
		lw.buf = lw.buf[i+1:]
		if lw.sink != nil && line != "" {
			lw.sink(line)
		}
	}
	return len(p), nil
}

// flush emits any partial final line and returns the retained tail.
func (lw *lineWriter) flush() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if line := strings.TrimRight(string(lw.buf), "\r\n"); line != "" && lw.sink != nil {
		lw.sink(line)
	}
	lw.buf = nil
	return string(lw.tail)
}
