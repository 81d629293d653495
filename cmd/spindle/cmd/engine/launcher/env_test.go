package launcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvCondaCreateRepair(t *testing.T) {
	a := assert.New(t)

	env, err := ParseEnv([]any{"conda create python=3.9"}, "seg-v1", t.TempDir())
	require.NoError(t, err)
	a.Equal("seg-v1", env.CondaEnv)
	require.Len(t, env.Setup, 1)
	a.Equal("conda create -y -n seg-v1 python=3.9", env.Setup[0])

	env, err = ParseEnv([]any{"conda create -n custom -y python=3.9"}, "seg-v1", t.TempDir())
	require.NoError(t, err)
	a.Equal("custom", env.CondaEnv)
	a.Equal("conda create -n custom -y python=3.9", env.Setup[0], "well-formed lines pass through")

	env, err = ParseEnv([]any{"conda create --name=ml python"}, "seg-v1", t.TempDir())
	require.NoError(t, err)
	a.Equal("ml", env.CondaEnv)
	a.Equal("conda create -y --name=ml python", env.Setup[0])
}

func TestParseEnvYamlFile(t *testing.T) {
	a := assert.New(t)
	dir := t.TempDir()
	yml := "name: yaml-env\ndependencies:\n  - python=3.9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "environment.yml"), []byte(yml), 0o644))

	env, err := ParseEnv([]any{"conda env create -f environment.yml"}, "seg-v1", dir)
	require.NoError(t, err)
	a.Equal("yaml-env", env.CondaEnv)
	a.Equal([]string{"conda env create -f environment.yml"}, env.Setup)

	_, err = ParseEnv([]any{"conda env create -f missing.yml"}, "seg-v1", dir)
	a.Error(err)

	_, err = ParseEnv([]any{"conda env create"}, "seg-v1", dir)
	a.True(trace.IsBadParameter(err))
}

func TestParseEnvActivate(t *testing.T) {
	a := assert.New(t)
	env, err := ParseEnv([]any{"conda activate base"}, "seg-v1", t.TempDir())
	require.NoError(t, err)
	a.Equal("base", env.CondaEnv)
	a.Empty(env.Setup)
}

func TestParseEnvDicts(t *testing.T) {
	a := assert.New(t)

	env, err := ParseEnv([]any{
		map[string]any{"type": "variable", "options": map[string]any{"OMP_NUM_THREADS": "4", "SEED": 7.0}},
		map[string]any{"type": "gputil", "options": map[string]any{"limit": 2.0, "maxLoad": 0.8}},
	}, "seg-v1", t.TempDir())
	require.NoError(t, err)

	a.Equal("4", env.Variables["OMP_NUM_THREADS"])
	a.Equal("7", env.Variables["SEED"])
	require.NotNil(t, env.GPU)
	a.Equal(2, env.GPU.Limit)
	a.Equal(0.8, env.GPU.MaxLoad)
	a.Zero(env.GPU.MaxMemory)

	_, err = ParseEnv([]any{map[string]any{"type": "warp"}}, "seg-v1", t.TempDir())
	a.True(trace.IsBadParameter(err))

	_, err = ParseEnv([]any{42}, "seg-v1", t.TempDir())
	a.True(trace.IsBadParameter(err))
}

func TestDefaultEnvName(t *testing.T) {
	a := assert.New(t)
	a.Equal("my-plugin-gpu", DefaultEnvName("My Plugin", "GPU"))
	a.Equal("tracker", DefaultEnvName("tracker", ""))
}
