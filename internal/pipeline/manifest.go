package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const DefaultComposeFile = "docker-compose.yml"

// ManifestFilenames are looked up in order at the source root.
var ManifestFilenames = []string{"bob-build.yml", "bob-build.yaml"}

// Descriptor is the build manifest shipped inside a repository.
type Descriptor struct {
	ComposeFile        string
	TestService        string
	ServicesToPush     map[string]string
	NotificationEmails []string
}

// Services returns the declared push services in name order.
func (d *Descriptor) Services() []string {
	names := make([]string, 0, len(d.ServicesToPush))
	for name := range d.ServicesToPush {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type manifestFile struct {
	DockerCompose *struct {
		DockerComposeFile string            `yaml:"docker_compose_file"`
		TestService       string            `yaml:"test_service"`
		ServicesToPush    map[string]string `yaml:"services_to_push"`
	} `yaml:"docker_compose"`
	NotificationEmails []string `yaml:"notification_emails"`
}

// LoadDescriptor reads and validates the manifest in sourceDir. Unknown keys
// are ignored.
func LoadDescriptor(sourceDir string) (*Descriptor, error) {
	var (
		path string
		data []byte
	)
	for _, name := range ManifestFilenames {
		candidate := filepath.Join(sourceDir, name)
		b, err := os.ReadFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		path, data = candidate, b
		break
	}
	if path == "" {
		return nil, &ManifestInvalidError{Path: filepath.Join(sourceDir, ManifestFilenames[0]), Reason: "file not found"}
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, &ManifestInvalidError{Path: path, Reason: err.Error()}
	}
	if mf.DockerCompose == nil {
		return nil, &ManifestInvalidError{Path: path, Reason: "missing docker_compose section"}
	}
	if len(mf.DockerCompose.ServicesToPush) == 0 {
		return nil, &ManifestInvalidError{Path: path, Reason: "missing docker_compose.services_to_push"}
	}
	for service, image := range mf.DockerCompose.ServicesToPush {
		if service == "" || image == "" {
			return nil, &ManifestInvalidError{Path: path, Reason: fmt.Sprintf("empty services_to_push entry %q: %q", service, image)}
		}
	}

	d := &Descriptor{
		ComposeFile:        mf.DockerCompose.DockerComposeFile,
		TestService:        mf.DockerCompose.TestService,
		ServicesToPush:     mf.DockerCompose.ServicesToPush,
		NotificationEmails: mf.NotificationEmails,
	}
	if d.ComposeFile == "" {
		d.ComposeFile = DefaultComposeFile
	}
	if filepath.IsAbs(d.ComposeFile) || !filepath.IsLocal(d.ComposeFile) {
		return nil, &ManifestInvalidError{Path: path, Reason: fmt.Sprintf("compose file %q is outside the source tree", d.ComposeFile)}
	}
	if _, err := os.Stat(filepath.Join(sourceDir, d.ComposeFile)); err != nil {
		return nil, &ManifestInvalidError{Path: path, Reason: fmt.Sprintf("compose file %s not found", d.ComposeFile)}
	}
	return d, nil
}
