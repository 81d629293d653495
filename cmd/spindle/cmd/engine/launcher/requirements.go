package launcher

import (
	"net/url"
	"path"
	"strings"

	"github.com/gravitational/trace"
)

// Repo is a "repo:<url> [dir]" requirement. Repositories are cloned
// into the plugin's working directory before any install command runs.
type Repo struct {
	URL string
	Dir string
}

var vcsPrefixes = []string{"git+", "svn+", "hg+", "bzr+"}

// ParseRequirements splits raw requirement entries into repositories to
// clone and the install command lines to run, preserving entry order.
//
//	repo:<url> [dir]  git clone target
//	conda:<pkgs>      conda install -y <pkgs>
//	pip:<pkgs>        pip install <pkgs>
//	cmd:<line>        run verbatim
//	<url or vcs ref>  pip install <raw>
//	<pkg>             pip install <pkg>
func ParseRequirements(entries []string) ([]Repo, []string, error) {
	var repos []Repo
	var cmds []string
	for _, raw := range entries {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		kind, rest, found := strings.Cut(item, ":")
		if !found {
			cmds = append(cmds, "pip install "+item)
			continue
		}
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "repo":
			fields := strings.Fields(rest)
			switch len(fields) {
			case 1:
				repos = append(repos, Repo{URL: fields[0], Dir: repoDir(fields[0])})
			case 2:
				repos = append(repos, Repo{URL: fields[0], Dir: fields[1]})
			default:
				return nil, nil, trace.BadParameter("malformed repo requirement %q", item)
			}
		case "conda":
			cmds = append(cmds, "conda install -y "+rest)
		case "pip":
			cmds = append(cmds, "pip install "+rest)
		case "cmd":
			cmds = append(cmds, rest)
		default:
			if !isURLish(item) {
				return nil, nil, trace.BadParameter("unsupported requirement type %q in %q", kind, item)
			}
			cmds = append(cmds, "pip install "+item)
		}
	}
	return repos, cmds, nil
}

func isURLish(s string) bool {
	for _, p := range vcsPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return strings.Contains(s, "://")
}

// repoDir derives the checkout directory from the repository URL, the
// way git does.
func repoDir(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(s)
}
