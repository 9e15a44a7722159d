package artifact

import (
	"bytes"
	"context"
	"net/url"
	"os/exec"
	"strings"

	giturls "github.com/whilp/git-urls"
)

// describeSource asks git for the current revision and origin of the
// source tree. Packaging outside a work tree is allowed, so both
// lookups fail soft and leave the fields empty.
func describeSource(ctx context.Context, dir string) Source {
	var s Source
	if rev, err := execGitOut(ctx, dir, "rev-parse", "HEAD"); err == nil {
		s.Revision = rev
	}
	if origin, err := execGitOut(ctx, dir, "config", "--get", "remote.origin.url"); err == nil {
		s.Origin = safeURL(origin)
	}
	return s
}

// safeURL normalizes a git remote and strips any credentials, so the
// origin can be recorded without leaking tokens.
func safeURL(remote string) string {
	u, err := giturls.Parse(remote)
	if err != nil {
		return ""
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func execGitOut(ctx context.Context, dir string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = dir
	out := &bytes.Buffer{}
	c.Stdout = out
	if err := c.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
