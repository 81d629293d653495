package objectstore

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Output(_ context.Context, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), argv...))
	return "", nil
}

func newTestStore(t *testing.T, runner Runner) *Store {
	t.Helper()
	s, err := New(Config{
		Endpoint:  "127.0.0.1:9000",
		AccessKey: "admin",
		SecretKey: "admin-secret",
		Bucket:    "spindle",
		Runner:    runner,
	})
	require.NoError(t, err)
	return s
}

func TestGenerateCredential(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	fr := &fakeRunner{}
	s := newTestStore(t, fr)

	cred, err := s.GenerateCredential(ctx, "lab")
	require.NoError(t, err)

	a.Equal("http://127.0.0.1:9000", cred.Endpoint)
	a.Equal("spindle", cred.Bucket)
	a.Equal("lab/", cred.Prefix)
	a.True(strings.HasPrefix(cred.AccessKey, "lab-"))
	a.Len(cred.SecretKey, 40)

	require.Len(t, fr.calls, 4)
	a.Equal([]string{"mc", "alias", "set"}, fr.calls[0][:3])
	a.Equal([]string{"mc", "admin", "user", "add"}, fr.calls[1][:4])
	a.Equal([]string{"mc", "admin", "policy", "create"}, fr.calls[2][:4])
	a.Equal([]string{"mc", "admin", "policy", "attach"}, fr.calls[3][:4])

	_, err = s.GenerateCredential(ctx, "")
	a.True(trace.IsBadParameter(err))
}

func TestPolicyScopesPrefix(t *testing.T) {
	a := assert.New(t)
	s := newTestStore(t, &fakeRunner{})

	file, err := s.writePolicy("spindle-lab", "lab/")
	require.NoError(t, err)
	defer os.Remove(file)

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc struct {
		Statement []struct {
			Resource []string `json:"Resource"`
		} `json:"Statement"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Statement, 2)
	a.Equal([]string{"arn:aws:s3:::spindle/lab/*"}, doc.Statement[0].Resource)
	a.Equal([]string{"arn:aws:s3:::spindle"}, doc.Statement[1].Resource)
}

func TestPresignURL(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	s := newTestStore(t, &fakeRunner{})

	// Presigning is a local computation, no server round trip.
	u, err := s.PresignURL(ctx, "lab", "", "lab/results/run-1.zip", "GET", time.Minute)
	require.NoError(t, err)
	a.Contains(u, "/spindle/lab/results/run-1.zip")
	a.Contains(u, "X-Amz-Signature=")

	u, err = s.PresignURL(ctx, "lab", "", "lab/up.bin", "PUT", 0)
	require.NoError(t, err)
	a.Contains(u, "X-Amz-Expires=3600")
}

func TestPresignURLGuardsWorkspacePrefix(t *testing.T) {
	a := assert.New(t)
	ctx := dlog.NewTestContext(t, false)
	s := newTestStore(t, &fakeRunner{})

	_, err := s.PresignURL(ctx, "lab", "", "other/secret.txt", "GET", time.Minute)
	a.True(trace.IsAccessDenied(err))

	_, err = s.PresignURL(ctx, "lab", "", "lab/x", "DELETE", time.Minute)
	a.True(trace.IsBadParameter(err))
}
