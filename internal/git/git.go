// Package git captures repository provenance for new tasks. Everything here
// is best effort: a project root outside a git work tree simply yields no
// provenance.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Provenance is the repository state a task was created against.
type Provenance struct {
	Repo   string
	Branch string
	Commit string
}

// Available checks if the given directory is inside a git work tree.
func Available(ctx context.Context, root string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = root
	return cmd.Run() == nil
}

func run(ctx context.Context, logger zerolog.Logger, dir string, args ...string) (string, error) {
	logger.Debug().Str("dir", dir).Strs("args", args).Msg("running git command")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Describe reads the repository state at root. The second return is false
// when root is not inside a work tree.
func Describe(ctx context.Context, logger zerolog.Logger, root string) (Provenance, bool) {
	if !Available(ctx, root) {
		return Provenance{}, false
	}
	var p Provenance
	if repo, err := run(ctx, logger, root, "config", "--get", "remote.origin.url"); err == nil {
		p.Repo = repo
	}
	if branch, err := run(ctx, logger, root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		p.Branch = branch
	}
	if commit, err := run(ctx, logger, root, "rev-parse", "--short", "HEAD"); err == nil {
		p.Commit = commit
	}
	return p, true
}
