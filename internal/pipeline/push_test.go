package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/metocean/bob-the-builder/internal/compose"
)

func TestDestinationTag(t *testing.T) {
	cases := []struct {
		tag, branch, want string
	}{
		{"v1.2.3", "master", "v1.2.3"},
		{"latest", "master", "latest"},
		{"latest", "feature-x", "feature-x"},
		{"", "", "latest"},
		{"", "feature/login", "feature-login"},
		{"latest", ".hidden", "_hidden"},
	}
	for _, tc := range cases {
		if got := DestinationTag(tc.tag, tc.branch); got != tc.want {
			t.Fatalf("DestinationTag(%q, %q) = %q, want %q", tc.tag, tc.branch, got, tc.want)
		}
	}
}

func TestPushTargetLegacySuffix(t *testing.T) {
	cases := []struct {
		image, tag, want string
	}{
		{"registry/app:base", "feature-x", "registry/app:base-feature-x"},
		{"registry/app", "feature-x", "registry/app:feature-x"},
		{"registry.example.com:5000/org/app", "v1", "registry.example.com:5000/org/app:v1"},
		{"registry.example.com:5000/org/app:base", "v1", "registry.example.com:5000/org/app:base-v1"},
	}
	for _, tc := range cases {
		if got := PushTarget(tc.image, tc.tag); got != tc.want {
			t.Fatalf("PushTarget(%q, %q) = %q, want %q", tc.image, tc.tag, got, tc.want)
		}
	}
}

func TestMatchImages(t *testing.T) {
	services := map[string]string{
		"web":        "registry/web",
		"worker":     "registry/worker",
		"api-worker": "registry/api-worker",
		"nginx":      "registry/nginx",
	}
	images := []compose.Image{
		{ID: "1", RepoTags: []string{"20240305102030123456-web:latest"}},
		{ID: "2", RepoTags: []string{"20240305102030123456_api-worker:latest"}},
		{ID: "3", RepoTags: []string{"20240305102030123456-myweb:latest"}},
		{ID: "4", RepoTags: []string{"nginx:latest"}},
		{ID: "5", RepoTags: []string{"19990101000000000000-web:latest"}},
	}
	got := MatchImages(images, "20240305102030123456", services)
	want := []Match{
		{Local: "20240305102030123456-web:latest", Service: "web", Destination: "registry/web"},
		{Local: "20240305102030123456_api-worker:latest", Service: "api-worker", Destination: "registry/api-worker"},
		{Local: "nginx:latest", Service: "nginx", Destination: "registry/nginx"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("match %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestMatchImagesEmpty(t *testing.T) {
	if got := MatchImages(nil, "x", map[string]string{"web": "r/web"}); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func writeSource(t *testing.T, manifest string, withCompose bool) string {
	t.Helper()
	dir := t.TempDir()
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, "bob-build.yml"), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if withCompose {
		if err := os.WriteFile(filepath.Join(dir, DefaultComposeFile), []byte("services: {}\n"), 0o644); err != nil {
			t.Fatalf("write compose: %v", err)
		}
	}
	return dir
}

func TestLoadDescriptor(t *testing.T) {
	dir := writeSource(t, testManifest+"extra_key: ignored\n", true)
	d, err := LoadDescriptor(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.ComposeFile != DefaultComposeFile || d.TestService != "tests" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if d.ServicesToPush["web"] != "registry.example.com/org/web" {
		t.Fatalf("unexpected services %v", d.ServicesToPush)
	}
}

func TestLoadDescriptorYAMLExtension(t *testing.T) {
	dir := writeSource(t, "", true)
	if err := os.WriteFile(filepath.Join(dir, "bob-build.yaml"), []byte(pushManifest), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := LoadDescriptor(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(d.NotificationEmails) != 1 || d.NotificationEmails[0] != "dev@example.com" {
		t.Fatalf("unexpected emails %v", d.NotificationEmails)
	}
}

func TestLoadDescriptorInvalid(t *testing.T) {
	cases := map[string]struct {
		manifest    string
		withCompose bool
	}{
		"missing file":           {"", true},
		"missing docker_compose": {"notification_emails: [a@b]\n", true},
		"missing services":       {"docker_compose:\n  test_service: tests\n", true},
		"empty services":         {"docker_compose:\n  services_to_push: {}\n", true},
		"missing compose file":   {pushManifest, false},
		"compose outside tree":   {"docker_compose:\n  docker_compose_file: ../x.yml\n  services_to_push:\n    web: r/web\n", true},
		"malformed yaml":         {"docker_compose: [\n", true},
	}
	for name, tc := range cases {
		dir := writeSource(t, tc.manifest, tc.withCompose)
		_, err := LoadDescriptor(dir)
		var invalid *ManifestInvalidError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected ManifestInvalidError, got %v", name, err)
		}
		if ErrorKind(err) != KindManifestInvalid {
			t.Fatalf("%s: unexpected kind %s", name, ErrorKind(err))
		}
	}
}
