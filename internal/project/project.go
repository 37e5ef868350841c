// Package project maintains the global project registry and resolves
// connect requests to a single project root.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/metalagman/wave/internal/waveerr"
)

// Project is one registered project root.
type Project struct {
	Root         string    `json:"root"`
	Slug         string    `json:"slug"`
	Repo         string    `json:"repo,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the global project list at ~/.wave/projects.json.
type Registry struct {
	path string
	mu   sync.Mutex
}

// DefaultRegistryPath returns ~/.wave/projects.json.
func DefaultRegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".wave", "projects.json"), nil
}

// NewRegistry opens a registry backed by the given file.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) load() ([]Project, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		if os.IsPermission(err) {
			return nil, waveerr.Wrap(waveerr.CodeMissingPermissions, err, "read project registry: %v", err)
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	return projects, nil
}

func (r *Registry) save(projects []Project) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename project registry: %w", err)
	}
	return nil
}

// Register upserts a project keyed by its root path.
func (r *Registry) Register(p Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects, err := r.load()
	if err != nil {
		return err
	}
	for i := range projects {
		if projects[i].Root == p.Root {
			if p.Slug != "" {
				projects[i].Slug = p.Slug
			}
			if p.Repo != "" {
				projects[i].Repo = p.Repo
			}
			return r.save(projects)
		}
	}
	projects = append(projects, p)
	return r.save(projects)
}

// List returns every registered project.
func (r *Registry) List() ([]Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Query selects a project by exactly one of its fields.
type Query struct {
	Root string
	Slug string
	Repo string
}

func (q Query) count() int {
	n := 0
	for _, v := range []string{q.Root, q.Slug, q.Repo} {
		if v != "" {
			n++
		}
	}
	return n
}

// Resolve finds the single project matching the query. A root query
// validates the path and registers it on first use; slug and repo queries
// search the registry.
func (r *Registry) Resolve(q Query, now time.Time) (Project, error) {
	if q.count() != 1 {
		return Project{}, waveerr.New(waveerr.CodeInvalidArgument,
			"exactly one of root, slug or repo must be provided")
	}
	if q.Root != "" {
		return r.resolveRoot(q.Root, now)
	}

	projects, err := r.List()
	if err != nil {
		return Project{}, err
	}
	var matches []Project
	for _, p := range projects {
		if (q.Slug != "" && p.Slug == q.Slug) || (q.Repo != "" && p.Repo == q.Repo) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return Project{}, waveerr.New(waveerr.CodeNotFound, "no registered project matches the query")
	case 1:
		return matches[0], nil
	default:
		candidates := make([]map[string]string, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, map[string]string{"root": m.Root, "slug": m.Slug, "repo": m.Repo})
		}
		return Project{}, waveerr.New(waveerr.CodeMultipleCandidates,
			"%d projects match the query", len(matches)).
			WithRecovery(map[string]any{"candidates": candidates})
	}
}

func (r *Registry) resolveRoot(root string, now time.Time) (Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Project{}, waveerr.New(waveerr.CodeInvalidRoot, "invalid root path %q: %v", root, err)
	}
	fi, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return Project{}, waveerr.New(waveerr.CodeInvalidRoot, "root %q does not exist", abs)
	}
	if os.IsPermission(err) {
		return Project{}, waveerr.Wrap(waveerr.CodeMissingPermissions, err, "root %q is not readable", abs)
	}
	if err != nil {
		return Project{}, fmt.Errorf("stat root: %w", err)
	}
	if !fi.IsDir() {
		return Project{}, waveerr.New(waveerr.CodeInvalidRoot, "root %q is not a directory", abs)
	}
	if _, err := os.ReadDir(abs); err != nil {
		return Project{}, waveerr.Wrap(waveerr.CodeMissingPermissions, err, "root %q is not readable", abs)
	}

	p := Project{Root: abs, Slug: filepath.Base(abs), RegisteredAt: now.UTC()}
	projects, err := r.List()
	if err != nil {
		return Project{}, err
	}
	for _, existing := range projects {
		if existing.Root == abs {
			return existing, nil
		}
	}
	if err := r.Register(p); err != nil {
		return Project{}, err
	}
	return p, nil
}
