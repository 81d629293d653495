package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Env struct {
	User string `env:"USER,default="`

	ServerHost string `env:"SERVER_HOST,default="`
	ServerPort string `env:"SERVER_PORT,default=9527"`

	// JWTSecret signs internal tokens. When empty a random secret is
	// generated at startup, which invalidates every token minted by a
	// previous run.
	JWTSecret    string `env:"JWT_SECRET,default="`
	AuthDomain   string `env:"AUTH0_DOMAIN,default="`
	AuthAudience string `env:"AUTH0_AUDIENCE,default="`
	// AllowOrigins is a comma-separated origin allow list, shared by
	// the websocket upgrader and the http gateway. Empty allows any.
	AllowOrigins string `env:"ALLOW_ORIGINS,default="`

	WorkspaceRoot string `env:"WORKSPACE_ROOT,default="`
	WorkerModule  string `env:"WORKER_MODULE,default=spindle_worker"`

	TokenTTL         time.Duration `env:"TOKEN_TTL,default=3h"`
	SessionTTL       time.Duration `env:"SESSION_TTL,default=2m"`
	ForceQuitTimeout time.Duration `env:"FORCE_QUIT_TIMEOUT,default=5s"`

	S3Endpoint  string `env:"S3_ENDPOINT,default="`
	S3AccessKey string `env:"S3_ACCESS_KEY,default="`
	S3SecretKey string `env:"S3_SECRET_KEY,default="`
	S3Bucket    string `env:"S3_BUCKET,default=spindle-workspaces"`
	S3Secure    bool   `env:"S3_SECURE,default=false"`

	Debug bool `env:"DEBUG,default=false"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return env, err
	}
	if env.WorkspaceRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		env.WorkspaceRoot = filepath.Join(home, ".spindle", "workspaces")
	}
	return env, nil
}

// listenAddr is the host:port the engine binds.
func (env *Env) listenAddr() string {
	return env.ServerHost + ":" + env.ServerPort
}

// serverURL is the websocket endpoint handed to launched workers.
func (env *Env) serverURL() string {
	host := env.ServerHost
	if host == "" {
		host = "127.0.0.1"
	}
	return "ws://" + host + ":" + env.ServerPort + "/ws"
}

func (env *Env) allowOrigins() []string {
	if env.AllowOrigins == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(env.AllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
