package pipeline

import (
	"sort"
	"strings"

	"github.com/metocean/bob-the-builder/internal/compose"
	"github.com/metocean/bob-the-builder/internal/task"
)

const maxTagLength = 128

// Match pairs a locally built image with the registry image it is pushed to.
type Match struct {
	Local       string
	Service     string
	Destination string
}

// MatchImages picks the images to push. A repo tag matches when its
// repository starts with prefix and ends with a declared service name (the
// longest such service wins), or when it is exactly a declared image name.
func MatchImages(images []compose.Image, prefix string, services map[string]string) []Match {
	seen := map[string]struct{}{}
	var out []Match
	for _, img := range images {
		for _, repoTag := range img.RepoTags {
			repo, _ := splitRepoTag(repoTag)
			service, ok := matchService(repo, repoTag, prefix, services)
			if !ok {
				continue
			}
			if _, dup := seen[repoTag]; dup {
				continue
			}
			seen[repoTag] = struct{}{}
			out = append(out, Match{Local: repoTag, Service: service, Destination: services[service]})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Local < out[j].Local })
	return out
}

func matchService(repo, repoTag, prefix string, services map[string]string) (string, bool) {
	if prefix != "" && strings.HasPrefix(repo, prefix) {
		best := ""
		for service := range services {
			if len(service) <= len(best) || !hasServiceSuffix(repo, prefix, service) {
				continue
			}
			best = service
		}
		if best != "" {
			return best, true
		}
	}
	for service := range services {
		if service == repo || service == repoTag {
			return service, true
		}
	}
	return "", false
}

// hasServiceSuffix requires the service name to follow a separator so that
// "web" does not match "proj-myweb".
func hasServiceSuffix(repo, prefix, service string) bool {
	if !strings.HasSuffix(repo, service) {
		return false
	}
	rest := strings.TrimSuffix(repo, service)
	if len(rest) < len(prefix) {
		return false
	}
	if rest == prefix {
		return true
	}
	switch rest[len(rest)-1] {
	case '-', '_', '/':
		return true
	}
	return false
}

// splitRepoTag separates "host:5000/org/app:tag" into repository and tag.
func splitRepoTag(repoTag string) (string, string) {
	if i := strings.LastIndex(repoTag, ":"); i > strings.LastIndex(repoTag, "/") {
		return repoTag[:i], repoTag[i+1:]
	}
	return repoTag, ""
}

// DestinationTag derives the registry tag for a build: the git tag unless it
// is empty or latest, else the branch, with master mapped to latest.
func DestinationTag(gitTag, gitBranch string) string {
	tag := gitTag
	if tag == "" || tag == task.DefaultTag {
		tag = gitBranch
	}
	if tag == "" || tag == task.DefaultBranch {
		tag = task.DefaultTag
	}
	return sanitizeTag(tag)
}

// PushTarget appends tag to image. When image already carries a tag, the
// resolved tag is appended to it as a suffix: registry/app:base with
// feature-x becomes registry/app:base-feature-x.
func PushTarget(image, tag string) string {
	if _, existing := splitRepoTag(image); existing != "" {
		return image + "-" + tag
	}
	return image + ":" + tag
}

func sanitizeTag(tag string) string {
	b := []byte(tag)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		case (c == '.' || c == '-') && i > 0:
		default:
			b[i] = '-'
			if i == 0 {
				b[i] = '_'
			}
		}
	}
	if len(b) > maxTagLength {
		b = b[:maxTagLength]
	}
	return string(b)
}
