package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/publish"
)

// Env vars git is allowed to inherit from the OS. Everything else is
// scrubbed so credentials in the parent environment never reach hooks
// or helpers.
var allowedEnvVars = []string{
	// proxy settings follow the curl conventions; HTTP_PROXY is
	// intentionally missing
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME",
}

// gitClient is the git plumbing a publish needs: a scratch repo,
// fetches into local refs, pushes, and an emptiness check.
type gitClient interface {
	Init(ctx context.Context) error
	FetchRef(ctx context.Context, remoteURL, remoteRef, localRef string) error
	ResolveRef(ctx context.Context, ref string) (string, error)
	Push(ctx context.Context, remoteURL string, refspecs ...string) error
	DiffEmpty(ctx context.Context, a, b string) (bool, error)
	DefaultBranch(ctx context.Context, remoteURL string) (string, error)
}

// execGit shells out to git in a scratch directory.
type execGit struct {
	dir string
}

func newExecGit(dir string) *execGit {
	return &execGit{dir: dir}
}

func (g *execGit) run(ctx context.Context, out io.Writer, args ...string) error {
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = g.dir
	c.Env = gitEnv()
	combined := &bytes.Buffer{}
	c.Stdout = combined
	c.Stderr = combined
	if out != nil {
		c.Stdout = io.MultiWriter(combined, out)
	}
	err := c.Run()
	if err != nil && combined.Len() > 0 {
		err = errors.New(combined.String())
		if msg := findErrorMessage(bytes.NewReader(combined.Bytes())); msg != "" {
			err = fmt.Errorf("%s, full output:\n %s", msg, combined.String())
		}
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "running git %s", strings.Join(args, " "))
	}
	return err
}

func (g *execGit) Init(ctx context.Context) error {
	if err := g.run(ctx, nil, "init", "--bare", "--quiet", "."); err != nil {
		return errors.Wrap(err, "git init")
	}
	return nil
}

func (g *execGit) FetchRef(ctx context.Context, remoteURL, remoteRef, localRef string) error {
	if remoteRef == "" {
		remoteRef = "HEAD"
	}
	return g.run(ctx, nil, "fetch", "--no-tags", remoteURL, "+"+remoteRef+":"+localRef)
}

func (g *execGit) ResolveRef(ctx context.Context, ref string) (string, error) {
	out := &bytes.Buffer{}
	if err := g.run(ctx, out, "rev-parse", "--verify", ref+"^{commit}"); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func (g *execGit) Push(ctx context.Context, remoteURL string, refspecs ...string) error {
	args := append([]string{"push", remoteURL}, refspecs...)
	return g.run(ctx, nil, args...)
}

// DiffEmpty reports whether two commits have identical trees. Uses
// `diff --quiet`, which exits 1 when there are differences.
func (g *execGit) DiffEmpty(ctx context.Context, a, b string) (bool, error) {
	c := exec.CommandContext(ctx, "git", "diff", "--quiet", a, b, "--")
	c.Dir = g.dir
	c.Env = gitEnv()
	var stderr bytes.Buffer
	c.Stderr = &stderr
	err := c.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, errors.Errorf("git diff: %v: %s", err, stderr.String())
}

// DefaultBranch asks the remote which branch HEAD points at.
func (g *execGit) DefaultBranch(ctx context.Context, remoteURL string) (string, error) {
	out := &bytes.Buffer{}
	if err := g.run(ctx, out, "ls-remote", "--symref", remoteURL, "HEAD"); err != nil {
		return "", err
	}
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "ref: refs/heads/") {
			fields := strings.Fields(strings.TrimPrefix(line, "ref: refs/heads/"))
			if len(fields) > 0 {
				return fields[0], nil
			}
		}
	}
	return "", errors.Errorf("no default branch advertised by %s", remoteURL)
}

func gitEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func findErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error:"):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return ""
}

// isMissingRemoteRef matches git's complaint about a branch that does
// not exist on the remote. Cast to lowercase: git <=2.20 capitalized
// the message, later versions do not.
func isMissingRemoteRef(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "couldn't find remote ref")
}

// pushErrorCode classifies a failed push into a publish failure code.
func pushErrorCode(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "protected branch"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return publish.CodePushDenied
	case strings.Contains(msg, "non-fast-forward"),
		strings.Contains(msg, "fetch first"):
		return publish.CodeDivergedBranches
	}
	return publish.CodePushFailed
}

// tagRefspecs turns the request's tag map into push refspecs, sorted
// for reproducible invocations.
func tagRefspecs(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]string, 0, len(names))
	for _, name := range names {
		specs = append(specs, "+"+tags[name]+":refs/tags/"+name)
	}
	return specs
}
