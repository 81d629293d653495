package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/spindleworks/spindle/pkg/shellquote"
)

// ParsedEnv is the outcome of interpreting a plugin's env entries.
type ParsedEnv struct {
	// CondaEnv is the conda environment installs and the worker run in.
	// Empty means the engine's own environment.
	CondaEnv string
	// Setup holds commands to run before the requirement installs,
	// conda env creation among them.
	Setup []string
	// Variables are extra process environment entries for the worker.
	Variables map[string]string
	// GPU requests device reservation before launch.
	GPU *GPURequest
}

// GPURequest mirrors the gputil option names.
type GPURequest struct {
	Limit     int
	MaxLoad   float64
	MaxMemory float64
}

// ParseEnv interprets the env entries of a plugin config. Strings are
// conda lines; "conda create" without a name gets defaultName and -y
// injected, "conda env create -f FILE" takes its name from FILE
// (resolved relative to dir). Dicts select a GPU or set variables.
func ParseEnv(entries []any, defaultName, dir string) (*ParsedEnv, error) {
	out := &ParsedEnv{Variables: make(map[string]string)}
	for _, entry := range entries {
		switch e := entry.(type) {
		case string:
			if err := parseEnvLine(out, e, defaultName, dir); err != nil {
				return nil, err
			}
		case map[string]any:
			if err := parseEnvDict(out, e); err != nil {
				return nil, err
			}
		case nil:
		default:
			return nil, trace.BadParameter("env entry must be a string or a dict, got %T", entry)
		}
	}
	return out, nil
}

func parseEnvLine(out *ParsedEnv, line, defaultName, dir string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case strings.HasPrefix(line, "conda env create"):
		name, err := condaYamlName(line, dir)
		if err != nil {
			return err
		}
		out.CondaEnv = name
		out.Setup = append(out.Setup, line)
	case strings.Contains(line, "conda create"):
		fixed, name, err := repairCondaCreate(line, defaultName)
		if err != nil {
			return err
		}
		out.CondaEnv = name
		out.Setup = append(out.Setup, fixed)
	case strings.HasPrefix(line, "conda activate ") || strings.HasPrefix(line, "source activate "):
		fields := strings.Fields(line)
		out.CondaEnv = fields[len(fields)-1]
	default:
		out.Setup = append(out.Setup, line)
	}
	return nil
}

func parseEnvDict(out *ParsedEnv, e map[string]any) error {
	t, _ := e["type"].(string)
	opts, _ := e["options"].(map[string]any)
	switch t {
	case "gputil":
		req := &GPURequest{}
		if v, ok := asFloat(opts["limit"]); ok {
			req.Limit = int(v)
		}
		if v, ok := asFloat(opts["maxLoad"]); ok {
			req.MaxLoad = v
		}
		if v, ok := asFloat(opts["maxMemory"]); ok {
			req.MaxMemory = v
		}
		out.GPU = req
	case "variable":
		for k, v := range opts {
			out.Variables[k] = fmt.Sprint(v)
		}
	default:
		return trace.BadParameter("unknown env entry type %q", t)
	}
	return nil
}

// repairCondaCreate normalizes a "conda create" line: -y is injected
// when absent, and a missing -n/--name gets defaultName.
func repairCondaCreate(line, defaultName string) (string, string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return "", "", trace.BadParameter("cannot parse %q: %v", line, err)
	}
	ci := slices.Index(argv, "create")
	if ci < 0 {
		return "", "", trace.BadParameter("not a conda create line: %q", line)
	}
	name := ""
	for i, a := range argv {
		switch {
		case a == "-n" || a == "--name":
			if i+1 < len(argv) {
				name = argv[i+1]
			}
		case strings.HasPrefix(a, "--name="):
			name = strings.TrimPrefix(a, "--name=")
		}
	}
	var insert []string
	if !slices.Contains(argv, "-y") && !slices.Contains(argv, "--yes") {
		insert = append(insert, "-y")
	}
	if name == "" {
		name = defaultName
		insert = append(insert, "-n", name)
	}
	if len(insert) > 0 {
		argv = slices.Insert(argv, ci+1, insert...)
	}
	return shellquote.Join(argv...), name, nil
}

// condaYamlName extracts the env name from the -f FILE of a
// "conda env create" line.
func condaYamlName(line, dir string) (string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return "", trace.BadParameter("cannot parse %q: %v", line, err)
	}
	file := ""
	for i, a := range argv {
		switch {
		case a == "-f" || a == "--file":
			if i+1 < len(argv) {
				file = argv[i+1]
			}
		case strings.HasPrefix(a, "--file="):
			file = strings.TrimPrefix(a, "--file=")
		}
	}
	if file == "" {
		return "", trace.BadParameter("conda env create needs -f FILE: %q", line)
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(dir, file)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	var doc struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", trace.BadParameter("cannot parse %s: %v", file, err)
	}
	if doc.Name == "" {
		return "", trace.BadParameter("%s does not name an environment", file)
	}
	return doc.Name, nil
}

// DefaultEnvName derives the conda env name for a plugin from its name
// and tag.
func DefaultEnvName(name, tag string) string {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	if tag != "" {
		n += "-" + strings.ToLower(tag)
	}
	return n
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
