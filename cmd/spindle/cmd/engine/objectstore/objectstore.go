// Package objectstore bridges workspaces to an S3-compatible store:
// workspace-scoped credentials, presigned object URLs, and log uploads.
package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultURLExpiry = time.Hour

// Runner executes admin CLI commands. Tests substitute fakes.
type Runner interface {
	Output(ctx context.Context, argv []string) (string, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	// AdminCmd materialises scoped users and policies, typically mc.
	AdminCmd string
	Runner   Runner
}

// Store is the engine's handle on the object store.
type Store struct {
	cfg    Config
	client *minio.Client
}

func New(cfg Config) (*Store, error) {
	if cfg.AdminCmd == "" {
		cfg.AdminCmd = "mc"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.Region == "" {
		// A fixed region keeps presigning local; an empty one makes
		// the client look the bucket location up over the network.
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg, client: client}, nil
}

func (s *Store) Bucket() string { return s.cfg.Bucket }

// EnsureBucket creates the shared bucket when it is missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return trace.Wrap(err)
		}
		dlog.Infof(ctx, "created bucket %s", s.cfg.Bucket)
	}
	return nil
}

// Credential grants access to one workspace's corner of the bucket.
type Credential struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
}

// GenerateCredential mints a credential that can only touch objects
// under "<workspace>/". The admin CLI creates the scoped user and its
// policy.
func (s *Store) GenerateCredential(ctx context.Context, workspace string) (*Credential, error) {
	if workspace == "" {
		return nil, trace.BadParameter("workspace must not be empty")
	}
	cred := &Credential{
		Endpoint:  s.endpointURL(),
		AccessKey: workspace + "-" + uuid.NewString()[:8],
		SecretKey: randomHex(20),
		Bucket:    s.cfg.Bucket,
		Prefix:    workspace + "/",
	}
	policyName := "spindle-" + workspace
	policyFile, err := s.writePolicy(policyName, cred.Prefix)
	if err != nil {
		return nil, err
	}
	defer os.Remove(policyFile)

	alias := "spindle"
	for _, argv := range [][]string{
		{s.cfg.AdminCmd, "alias", "set", alias, cred.Endpoint, s.cfg.AccessKey, s.cfg.SecretKey},
		{s.cfg.AdminCmd, "admin", "user", "add", alias, cred.AccessKey, cred.SecretKey},
		{s.cfg.AdminCmd, "admin", "policy", "create", alias, policyName, policyFile},
		{s.cfg.AdminCmd, "admin", "policy", "attach", alias, policyName, "--user", cred.AccessKey},
	} {
		if out, err := s.cfg.Runner.Output(ctx, argv); err != nil {
			return nil, trace.Wrap(err, "%s: %s", strings.Join(argv[:3], " "), strings.TrimSpace(out))
		}
	}
	dlog.Infof(ctx, "minted object-store credential %s for workspace %s", cred.AccessKey, workspace)
	return cred, nil
}

// writePolicy renders the scoped bucket policy to a temp file for the
// admin CLI.
func (s *Store) writePolicy(name, prefix string) (string, error) {
	type statement struct {
		Effect    string         `json:"Effect"`
		Action    []string       `json:"Action"`
		Resource  []string       `json:"Resource"`
		Condition map[string]any `json:"Condition,omitempty"`
	}
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []statement{
			{
				Effect:   "Allow",
				Action:   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				Resource: []string{"arn:aws:s3:::" + s.cfg.Bucket + "/" + prefix + "*"},
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{"arn:aws:s3:::" + s.cfg.Bucket},
				Condition: map[string]any{
					"StringLike": map[string]any{"s3:prefix": []string{prefix + "*"}},
				},
			},
		},
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", trace.Wrap(err)
	}
	f, err := os.CreateTemp("", name+"-*.json")
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		os.Remove(f.Name())
		return "", trace.ConvertSystemError(err)
	}
	return f.Name(), nil
}

// PresignURL signs a time-limited URL for one object. The object must
// live under the workspace's prefix.
func (s *Store) PresignURL(ctx context.Context, workspace, bucket, object, method string, expires time.Duration) (string, error) {
	if !strings.HasPrefix(object, workspace+"/") {
		return "", trace.AccessDenied("object %q is outside workspace %q", object, workspace)
	}
	if bucket == "" {
		bucket = s.cfg.Bucket
	}
	if expires <= 0 {
		expires = DefaultURLExpiry
	}
	var (
		u   interface{ String() string }
		err error
	)
	switch strings.ToUpper(method) {
	case "", "GET":
		u, err = s.client.PresignedGetObject(ctx, bucket, object, expires, nil)
	case "PUT":
		u, err = s.client.PresignedPutObject(ctx, bucket, object, expires)
	default:
		return "", trace.BadParameter("unsupported presign method %q", method)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return u.String(), nil
}

// Upload puts a local file into the shared bucket. Satisfies
// workdir.Uploader for log shipping.
func (s *Store) Upload(ctx context.Context, objectName, filePath string) error {
	_, err := s.client.FPutObject(ctx, s.cfg.Bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	return trace.Wrap(err)
}

func (s *Store) endpointURL() string {
	if s.cfg.Secure {
		return "https://" + s.cfg.Endpoint
	}
	return "http://" + s.cfg.Endpoint
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, argv []string) (string, error) {
	cmd := dexec.CommandContext(ctx, argv[0], argv[1:]...)
	// The argv carries fresh secrets; keep them out of the engine log.
	cmd.DisableLogging = true
	out, err := cmd.CombinedOutput()
	return string(out), err
}
