package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

func zipball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

type zipEntry struct {
	name    string
	body    string
	symlink bool
}

// orderedZip writes entries in order; symlink entries carry their target as
// the body.
func orderedZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Store}
		if e.symlink {
			hdr.SetMode(os.ModeSymlink | 0o777)
		} else {
			hdr.SetMode(0o644)
		}
		f, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(e.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newTestGitHub(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGitHub(Config{BaseURL: srv.URL, Login: "bob", Token: "secret", HTTPClient: srv.Client()})
}

func TestFetchBranchExtractsSingleTopDir(t *testing.T) {
	archive := zipball(t, map[string]string{
		"org-app-abc123/bob-build.yml":      "docker_compose: {}\n",
		"org-app-abc123/src/main.go":        "package main\n",
		"org-app-abc123/docker-compose.yml": "services: {}\n",
	})
	var sawAuth bool
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok && user == "bob" && pass == "secret" {
			sawAuth = true
		}
		if r.URL.Path != "/repos/org/app/zipball/feature/x" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))

	dest := t.TempDir()
	root, err := gh.FetchBranch(context.Background(), "org/app", "feature/x", dest)
	if err != nil {
		t.Fatalf("fetch branch: %v", err)
	}
	if filepath.Dir(root) != dest {
		t.Fatalf("expected source root directly under %s, got %s", dest, root)
	}
	if _, err := os.Stat(filepath.Join(root, "src", "main.go")); err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, archiveFilename)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected archive to be removed, got %v", err)
	}
	logData, _ := os.ReadFile(filepath.Join(dest, LogFilename))
	if !strings.Contains(string(logData), "extracted 3 files") {
		t.Fatalf("unexpected download log %q", logData)
	}
	if !sawAuth {
		t.Fatal("expected basic auth on requests")
	}
}

func TestFetchTagWritesMetadataAndPrefersRelease(t *testing.T) {
	archive := zipball(t, map[string]string{"top/README": "hi\n"})
	var downloaded string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/repos/org/app/releases/tags/v1.2.3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"tag_name":"v1.2.3","zipball_url":"%s/release.zip"}`, srv.URL)
	})
	mux.HandleFunc("/repos/org/app/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name":"v1.0.0","zipball_url":"%s/old.zip"},{"name":"v1.2.3","zipball_url":"%s/tag.zip"}]`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/release.zip", func(w http.ResponseWriter, r *http.Request) {
		downloaded = "release"
		_, _ = w.Write(archive)
	})
	mux.HandleFunc("/tag.zip", func(w http.ResponseWriter, r *http.Request) {
		downloaded = "tag"
		_, _ = w.Write(archive)
	})
	gh := NewGitHub(Config{BaseURL: srv.URL, Token: "t", HTTPClient: srv.Client()})

	dest := t.TempDir()
	root, err := gh.FetchTag(context.Background(), "org/app", "v1.2.3", dest)
	if err != nil {
		t.Fatalf("fetch tag: %v", err)
	}
	if downloaded != "release" {
		t.Fatalf("expected release zipball, got %q", downloaded)
	}
	if _, err := os.Stat(filepath.Join(root, "README")); err != nil {
		t.Fatalf("expected README: %v", err)
	}
	tagJSON, err := os.ReadFile(filepath.Join(dest, TagFilename))
	if err != nil || !strings.Contains(string(tagJSON), `"name": "v1.2.3"`) {
		t.Fatalf("unexpected tag metadata %q (%v)", tagJSON, err)
	}
	if _, err := os.Stat(filepath.Join(dest, ReleaseFilename)); err != nil {
		t.Fatalf("expected release metadata: %v", err)
	}
}

func TestFetchTagWithoutReleaseUsesTagZipball(t *testing.T) {
	archive := zipball(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/repos/org/app/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name":"v2","zipball_url":"%s/tag.zip"}]`, srv.URL)
	})
	mux.HandleFunc("/tag.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	gh := NewGitHub(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	dest := t.TempDir()
	root, err := gh.FetchTag(context.Background(), "org/app", "v2", dest)
	if err != nil {
		t.Fatalf("fetch tag: %v", err)
	}
	// Two top-level files: the extraction directory itself is the root.
	if _, err := os.Stat(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("expected a.txt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ReleaseFilename)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("release metadata should not exist: %v", err)
	}
}

func TestFetchErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusBadGateway, ErrHTTP},
	}
	for _, tc := range cases {
		gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := gh.FetchBranch(context.Background(), "org/app", "master", t.TempDir())
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) || fetchErr.StatusCode != tc.status || fetchErr.Ref != "master" {
			t.Fatalf("status %d: unexpected error %#v", tc.status, err)
		}
		if !IsFetchError(err) {
			t.Fatalf("status %d: expected IsFetchError", tc.status)
		}
	}
}

func TestMissingTagIsNotFound(t *testing.T) {
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tags") {
			_, _ = w.Write([]byte(`[{"name":"v1"}]`))
			return
		}
		http.NotFound(w, r)
	}))
	_, err := gh.FetchTag(context.Background(), "org/app", "v9", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	cases := []struct {
		name    string
		entries []zipEntry
		escaped string
	}{
		{
			name:    "dot dot entry",
			entries: []zipEntry{{name: "../../escape.txt", body: "x"}},
			escaped: "escape.txt",
		},
		{
			name: "write through symlink chain",
			entries: []zipEntry{
				{name: "a", body: ".", symlink: true},
				{name: "l1", body: "a/a/a/..", symlink: true},
				{name: "l1/evil.txt", body: "x"},
			},
			escaped: "evil.txt",
		},
		{
			name: "symlink chain resolving outside",
			entries: []zipEntry{
				{name: "a", body: ".", symlink: true},
				{name: "l1", body: "a/a/a/..", symlink: true},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := t.TempDir()
			dest := filepath.Join(base, "src")
			if err := os.Mkdir(dest, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			archivePath := filepath.Join(base, "evil.zip")
			if err := os.WriteFile(archivePath, orderedZip(t, tc.entries), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, _, err := extract(archivePath, dest); !errors.Is(err, ErrArchiveInvalid) {
				t.Fatalf("expected ErrArchiveInvalid, got %v", err)
			}
			if tc.escaped == "" {
				return
			}
			for _, dir := range []string{base, dest} {
				if _, err := os.Stat(filepath.Join(dir, tc.escaped)); err == nil {
					t.Fatalf("%s was written to %s", tc.escaped, dir)
				}
			}
		})
	}
}

func TestExtractKeepsContainedSymlinks(t *testing.T) {
	dest := t.TempDir()
	archivePath := filepath.Join(dest, "ok.zip")
	archive := orderedZip(t, []zipEntry{
		{name: "org-app-abc/docs/readme.md", body: "hello"},
		{name: "org-app-abc/README.md", body: "docs/readme.md", symlink: true},
	})
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root, n, err := extract(archivePath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	body, err := os.ReadFile(filepath.Join(root, "README.md"))
	if err != nil || string(body) != "hello" {
		t.Fatalf("expected link to resolve, got %q (%v)", body, err)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	dest := t.TempDir()
	archivePath := filepath.Join(dest, "bad.zip")
	if err := os.WriteFile(archivePath, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := extract(archivePath, dest); !errors.Is(err, ErrArchiveInvalid) {
		t.Fatalf("expected ErrArchiveInvalid, got %v", err)
	}
}
