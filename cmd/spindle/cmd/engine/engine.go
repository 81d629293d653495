// Package engine runs the plugin broker: it owns the registry, the
// websocket hub, the subprocess launcher, the http gateway and the
// object-store bridge, and wires them together for the lifetime of the
// process.
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/gateway"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/hub"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/launcher"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/objectstore"
	"github.com/spindleworks/spindle/cmd/spindle/cmd/engine/state"
	"github.com/spindleworks/spindle/pkg/log"
	"github.com/spindleworks/spindle/pkg/token"
	"github.com/spindleworks/spindle/pkg/version"
	"github.com/spindleworks/spindle/pkg/workdir"
)

// ErrAuthExhausted is returned by Main when the engine stops because
// the failed-authentication budget ran out. The process exits with
// ExitAuthExhausted for it.
var ErrAuthExhausted = errors.New("authentication attempts exhausted")

const ExitAuthExhausted = 100

// gcInterval paces the session reaper.
const gcInterval = 5 * time.Second

// Main parses args and runs the engine until the context is cancelled.
func Main(ctx context.Context, args ...string) error {
	cmd := Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// Command returns the cobra command that runs the engine. Flags
// override their environment counterparts.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "Run the plugin broker engine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.Flags())
		},
	}
	fs := cmd.Flags()
	fs.String("host", "", "interface to bind (all interfaces when empty)")
	fs.String("port", "", "port to serve both websocket and http traffic on")
	fs.String("workspace-root", "", "directory holding per-workspace state")
	fs.StringSlice("allow-origin", nil, "allowed browser origins (repeatable)")
	fs.Bool("debug", false, "log at debug level")
	return cmd
}

func run(ctx context.Context, fs *pflag.FlagSet) error {
	env, err := LoadEnv(ctx)
	if err != nil {
		return err
	}
	applyFlags(&env, fs)
	if env.Debug {
		log.SetLevel(ctx, "debug")
	}

	dlog.Infof(ctx, "Spindle engine %s [pid:%d]", version.Version, os.Getpid())

	e, err := NewEngine(ctx, env)
	if err != nil {
		return err
	}
	// Engines left behind by a previous run would fight us for the
	// port and for the worker sockets; reap them before binding.
	e.reapStale(ctx)
	if err := e.start(ctx); err != nil {
		return err
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})

	g.Go("httpd", func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/ws", e.Hub())
		mux.Handle("/", e.Gateway())

		ln, err := net.Listen("tcp", env.listenAddr())
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "engine listening on %s", ln.Addr())
		server := &dhttp.ServerConfig{Handler: mux}
		return server.Serve(ctx, ln)
	})

	g.Go("gc", func(ctx context.Context) error {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.expire(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})

	// A tripped authentication budget shuts the whole engine down; the
	// distinct exit code tells the operator why.
	g.Go("auth-watch", func(ctx context.Context) error {
		select {
		case <-e.exhaustedCh:
			return ErrAuthExhausted
		case <-ctx.Done():
			return nil
		}
	})

	err = g.Wait()
	e.close(dcontext.WithoutCancel(ctx))
	if e.exhausted.Load() {
		return ErrAuthExhausted
	}
	return err
}

// applyFlags copies explicitly set flags over their env counterparts.
func applyFlags(env *Env, fs *pflag.FlagSet) {
	if fs == nil {
		return
	}
	if fs.Changed("host") {
		env.ServerHost, _ = fs.GetString("host")
	}
	if fs.Changed("port") {
		env.ServerPort, _ = fs.GetString("port")
	}
	if fs.Changed("workspace-root") {
		env.WorkspaceRoot, _ = fs.GetString("workspace-root")
	}
	if fs.Changed("allow-origin") {
		origins, _ := fs.GetStringSlice("allow-origin")
		env.AllowOrigins = ""
		for i, o := range origins {
			if i > 0 {
				env.AllowOrigins += ","
			}
			env.AllowOrigins += o
		}
	}
	if fs.Changed("debug") {
		env.Debug, _ = fs.GetBool("debug")
	}
}

// proc is the engine's handle on a launched worker: the process itself
// and the cancel that owns its context.
type proc struct {
	worker *launcher.Worker
	cancel context.CancelFunc
}

// Engine is the root object every subsystem hangs off.
type Engine struct {
	env    Env
	state  *state.State
	tokens *token.Manager
	launch *launcher.Launcher
	hub    *hub.Hub
	gw     *gateway.Gateway
	store  *objectstore.Store // nil when no object store is configured

	// bgCtx outlives request contexts; worker processes and deferred
	// teardown run on it.
	bgCtx context.Context

	root  *token.Identity
	procs *xsync.MapOf[string, *proc]

	mu       sync.Mutex
	workdirs map[string]*workdir.Dir

	exhausted   atomic.Bool
	exhaustedCh chan struct{}

	metrics engineMetrics
}

type engineMetrics struct {
	plugins         *prometheus.GaugeVec
	services        *prometheus.GaugeVec
	frames          prometheus.Counter
	installFailures prometheus.Counter
}

// NewEngine builds the engine from env. It does not bind or launch
// anything yet; start does.
func NewEngine(ctx context.Context, env Env) (*Engine, error) {
	if err := os.MkdirAll(env.WorkspaceRoot, 0o755); err != nil {
		return nil, err
	}
	e := &Engine{
		env:         env,
		bgCtx:       ctx,
		root:        &token.Identity{ID: "root", Roles: []string{"admin"}},
		procs:       xsync.NewMapOf[string, *proc](),
		workdirs:    map[string]*workdir.Dir{},
		exhaustedCh: make(chan struct{}),
	}
	e.registerMetrics()

	e.tokens = token.NewManager(ctx, token.Config{
		Secret:     env.JWTSecret,
		AuthDomain: env.AuthDomain,
		Audience:   env.AuthAudience,
		TTL:        env.TokenTTL,
	})
	e.state = state.NewState(ctx, state.Config{
		LoggerFor: e.loggerFor,
	})
	e.state.SetPrometheusMetrics(e.metrics.plugins, e.metrics.services)
	e.launch = launcher.New(launcher.Config{
		WorkDir:          filepath.Join(env.WorkspaceRoot, ".work"),
		ServerURL:        env.serverURL(),
		WorkerModule:     env.WorkerModule,
		ForceQuitTimeout: env.ForceQuitTimeout,
	})
	e.hub = hub.New(hub.Config{
		State:               e.state,
		Tokens:              e.tokens,
		BuildAPI:            e.buildSessionAPI,
		OnClientInitialized: e.onClientInitialized,
		OnClientReady:       e.onClientReady,
		OnSessionClosed:     e.onSessionClosed,
		OnWorkerLost:        e.onWorkerLost,
		OnAuthExhausted:     e.onAuthExhausted,
		AllowOrigins:        env.allowOrigins(),
		FrameCounter:        e.metrics.frames,
	})
	e.gw = gateway.New(gateway.Config{
		State:        e.state,
		Tokens:       e.tokens,
		AllowOrigins: env.allowOrigins(),
		Version:      version.Version,
	})

	if env.S3Endpoint != "" {
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  env.S3Endpoint,
			AccessKey: env.S3AccessKey,
			SecretKey: env.S3SecretKey,
			Bucket:    env.S3Bucket,
			Secure:    env.S3Secure,
		})
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	// The engine api is a service in every workspace, the reserved two
	// included.
	for _, w := range e.state.ListWorkspaces() {
		e.installEngineService(ctx, w)
	}
	e.state.Bus().On(state.EventWorkspaceRegistered, func(args ...any) {
		if w, ok := args[0].(*state.Workspace); ok {
			e.installEngineService(e.bgCtx, w)
		}
	})

	return e, nil
}

func (e *Engine) Hub() *hub.Hub                { return e.hub }
func (e *Engine) Gateway() *gateway.Gateway    { return e.gw }
func (e *Engine) State() *state.State          { return e.state }
func (e *Engine) Tokens() *token.Manager       { return e.tokens }
func (e *Engine) Launcher() *launcher.Launcher { return e.launch }

// start claims the workspace root for this engine and prepares the
// external store. Called once, before serving.
func (e *Engine) start(ctx context.Context) error {
	d, err := e.workdirFor(state.WorkspaceRoot)
	if err != nil {
		return err
	}
	if err := e.ensureRootToken(ctx, d); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.EnsureBucket(ctx); err != nil {
			dlog.Warnf(ctx, "object store: %v", err)
		}
	}
	return nil
}

// ensureRootToken keeps a valid admin bearer cached in the root
// workspace directory so operators and local runners can reconnect
// across engine restarts.
func (e *Engine) ensureRootToken(ctx context.Context, d *workdir.Dir) error {
	if cached := d.LoadToken(); cached != "" {
		if _, err := e.tokens.Parse(ctx, cached); err == nil {
			dlog.Infof(ctx, "root token cached at %s", filepath.Join(d.Path(), ".token"))
			return nil
		}
	}
	tok, err := e.tokens.Generate(e.root, e.env.TokenTTL)
	if err != nil {
		return err
	}
	if err := d.SaveToken(tok); err != nil {
		return err
	}
	dlog.Infof(ctx, "root token written to %s", filepath.Join(d.Path(), ".token"))
	return nil
}

// reapStale kills engines recorded in .pid files under the workspace
// root, left behind by a crashed or superseded run.
func (e *Engine) reapStale(ctx context.Context) {
	entries, err := os.ReadDir(e.env.WorkspaceRoot)
	if err != nil {
		dlog.Debugf(ctx, "reap: %v", err)
		return
	}
	reaped := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		d, err := workdir.Open(e.env.WorkspaceRoot, ent.Name())
		if err != nil {
			continue
		}
		pid, err := d.ReapStale(ctx)
		if err != nil {
			dlog.Warnf(ctx, "reap %s: %v", ent.Name(), err)
			continue
		}
		if pid != 0 {
			reaped++
		}
	}
	if reaped > 0 {
		dlog.Infof(ctx, "reaped %d stale engine process(es)", reaped)
	}
}

// workdirFor opens (and caches) the on-disk directory behind a
// workspace, claiming it with this engine's pid.
func (e *Engine) workdirFor(name string) (*workdir.Dir, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.workdirs[name]; ok {
		return d, nil
	}
	d, err := workdir.Open(e.env.WorkspaceRoot, name)
	if err != nil {
		return nil, err
	}
	if err := d.WritePID(os.Getpid()); err != nil {
		return nil, err
	}
	e.workdirs[name] = d
	return d, nil
}

// loggerFor supplies the rotating per-workspace log, falling back to a
// silent logger when the directory cannot be claimed.
func (e *Engine) loggerFor(workspace string) *logrus.Logger {
	d, err := e.workdirFor(workspace)
	if err != nil {
		dlog.Warnf(e.bgCtx, "workspace %s has no log directory: %v", workspace, err)
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return d.OpenLog()
}

// expire reaps sessions that have gone silent. The websocket read
// deadline normally gets there first; this is the backstop that also
// clears sessions whose reader is stuck.
func (e *Engine) expire(ctx context.Context) {
	e.hub.Expire(ctx, time.Now().Add(-e.env.SessionTTL))
}

func (e *Engine) onAuthExhausted(context.Context) {
	if e.exhausted.CompareAndSwap(false, true) {
		close(e.exhaustedCh)
	}
}

// close tears the engine down: sessions dropped, workers killed, logs
// shipped, pid files released.
func (e *Engine) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	e.hub.CloseAll(ctx)
	e.procs.Range(func(id string, pr *proc) bool {
		if pr.worker != nil && pr.worker.Alive() {
			dlog.Infof(ctx, "killing worker for plugin %s", id)
			_ = pr.worker.KillTree()
		}
		if pr.cancel != nil {
			pr.cancel()
		}
		return true
	})

	e.mu.Lock()
	dirs := make([]*workdir.Dir, 0, len(e.workdirs))
	for _, d := range e.workdirs {
		dirs = append(dirs, d)
	}
	e.mu.Unlock()
	for _, d := range dirs {
		if e.store != nil {
			if err := d.UploadLogs(ctx, func(ctx context.Context, local, object string) error {
				return e.store.Upload(ctx, object, local)
			}); err != nil {
				dlog.Warnf(ctx, "upload logs from %s: %v", d.Path(), err)
			}
		}
		d.RemovePID()
	}
}

func (e *Engine) registerMetrics() {
	e.metrics.plugins = registerGaugeVec(prometheus.GaugeOpts{
		Name: "spindle_plugins",
		Help: "Live plugins per workspace.",
	}, []string{"workspace"})
	e.metrics.services = registerGaugeVec(prometheus.GaugeOpts{
		Name: "spindle_services",
		Help: "Registered services per workspace.",
	}, []string{"workspace"})
	e.metrics.frames = registerCounter(prometheus.CounterOpts{
		Name: "spindle_rpc_frames_total",
		Help: "Inbound rpc frames across all sessions.",
	})
	e.metrics.installFailures = registerCounter(prometheus.CounterOpts{
		Name: "spindle_install_failures_total",
		Help: "Plugin install pipelines that failed.",
	})
}

// registerGaugeVec adopts an already-registered collector so that
// multiple engines in one process (tests) share the default registry.
func registerGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	return g
}

func registerCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}
