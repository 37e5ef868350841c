package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metalagman/wave/internal/waveerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
}

func TestResolveRootRegistersOnFirstUse(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	root := t.TempDir()
	now := time.Date(2026, 4, 5, 9, 0, 0, 0, time.UTC)

	p, err := r.Resolve(Query{Root: root}, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Root != root || p.Slug != filepath.Base(root) {
		t.Fatalf("project = %+v", p)
	}

	// Second resolve returns the registered entry, not a duplicate.
	again, err := r.Resolve(Query{Root: root}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if !again.RegisteredAt.Equal(p.RegisteredAt) {
		t.Errorf("registered_at changed: %v vs %v", again.RegisteredAt, p.RegisteredAt)
	}
	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d entries, want 1", len(list))
	}
}

func TestResolveRequiresExactlyOneField(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	cases := []Query{
		{},
		{Root: "/a", Slug: "b"},
		{Slug: "b", Repo: "c"},
	}
	for _, q := range cases {
		if _, err := r.Resolve(q, time.Now()); waveerr.CodeOf(err) != waveerr.CodeInvalidArgument {
			t.Errorf("Resolve(%+v) = %v, want INVALID_ARGUMENT", q, err)
		}
	}
}

func TestResolveInvalidRoot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := r.Resolve(Query{Root: missing}, time.Now()); waveerr.CodeOf(err) != waveerr.CodeInvalidRoot {
		t.Fatalf("err = %v, want INVALID_ROOT", err)
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := r.Resolve(Query{Root: file}, time.Now()); waveerr.CodeOf(err) != waveerr.CodeInvalidRoot {
		t.Fatalf("err = %v, want INVALID_ROOT for a non-directory", err)
	}
}

func TestResolveSlug(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	now := time.Now()
	if err := r.Register(Project{Root: "/srv/alpha", Slug: "alpha", RegisteredAt: now}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p, err := r.Resolve(Query{Slug: "alpha"}, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Root != "/srv/alpha" {
		t.Fatalf("root = %q", p.Root)
	}

	if _, err := r.Resolve(Query{Slug: "missing"}, now); waveerr.CodeOf(err) != waveerr.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestResolveMultipleCandidates(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	now := time.Now()
	for _, root := range []string{"/srv/a", "/srv/b"} {
		if err := r.Register(Project{Root: root, Slug: "shared", Repo: "github.com/acme/shared", RegisteredAt: now}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	_, err := r.Resolve(Query{Repo: "github.com/acme/shared"}, now)
	we := waveerr.FromError(err)
	if we == nil || we.Code != waveerr.CodeMultipleCandidates {
		t.Fatalf("err = %v, want MULTIPLE_CANDIDATES", err)
	}
	candidates, ok := we.Recovery["candidates"].([]map[string]string)
	if !ok || len(candidates) != 2 {
		t.Fatalf("recovery candidates = %v", we.Recovery["candidates"])
	}
}

func TestRegisterUpserts(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	now := time.Now()
	if err := r.Register(Project{Root: "/srv/app", Slug: "app", RegisteredAt: now}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Project{Root: "/srv/app", Repo: "github.com/acme/app"}); err != nil {
		t.Fatalf("Register update: %v", err)
	}

	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d entries, want 1", len(list))
	}
	if list[0].Slug != "app" || list[0].Repo != "github.com/acme/app" {
		t.Fatalf("entry = %+v", list[0])
	}
}
