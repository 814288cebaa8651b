package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	LogFilename     = "git-download.log"
	ReleaseFilename = "git-release.json"
	TagFilename     = "git-tag.json"

	defaultBaseURL   = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
	archiveFilename  = "src.zip"
	tagsPerPage      = 100
	maxTagPages      = 10
	maxMetadataBytes = 8 << 20
)

// Config holds configuration for a GitHub source provider.
type Config struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL string

	// Login and Token are sent as basic auth. A token without a login
	// is sent as a bearer token.
	Login string
	Token string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GitHub fetches repository snapshots as zipballs.
type GitHub struct {
	baseURL    string
	login      string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewGitHub(cfg Config) *GitHub {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		baseURL:    baseURL,
		login:      cfg.Login,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}
}

type refInfo struct {
	Name       string `json:"name"`
	TagName    string `json:"tag_name"`
	ZipballURL string `json:"zipball_url"`
}

// FetchTag downloads the source of a tagged release into destDir and
// returns the extracted source root. Release and tag metadata are written
// next to it.
func (g *GitHub) FetchTag(ctx context.Context, repo, tag, destDir string) (string, error) {
	logFile, err := g.openLog(destDir)
	if err != nil {
		return "", err
	}
	defer logFile.Close()

	var downloadURL string

	releaseURL := g.apiURL(repo, "releases", "tags", tag)
	raw, err := g.getJSON(ctx, logFile, repo, tag, releaseURL)
	switch {
	case err == nil:
		var release refInfo
		if err := json.Unmarshal(raw, &release); err != nil {
			return "", fmt.Errorf("decode release %s@%s: %w", repo, tag, err)
		}
		if err := writeMetadata(filepath.Join(destDir, ReleaseFilename), raw); err != nil {
			return "", err
		}
		downloadURL = release.ZipballURL
	case isNotFound(err):
		fmt.Fprintf(logFile, "no release for tag %s\n", tag)
	default:
		return "", err
	}

	rawTag, info, err := g.findTag(ctx, logFile, repo, tag)
	if err != nil {
		return "", err
	}
	if err := writeMetadata(filepath.Join(destDir, TagFilename), rawTag); err != nil {
		return "", err
	}
	if downloadURL == "" {
		downloadURL = info.ZipballURL
	}
	if downloadURL == "" {
		downloadURL = g.apiURL(repo, "zipball", tag)
	}
	return g.downloadAndExtract(ctx, logFile, repo, tag, downloadURL, destDir)
}

// FetchBranch downloads the head of branch into destDir and returns the
// extracted source root.
func (g *GitHub) FetchBranch(ctx context.Context, repo, branch, destDir string) (string, error) {
	logFile, err := g.openLog(destDir)
	if err != nil {
		return "", err
	}
	defer logFile.Close()

	return g.downloadAndExtract(ctx, logFile, repo, branch, g.apiURL(repo, "zipball", branch), destDir)
}

func (g *GitHub) findTag(ctx context.Context, logFile io.Writer, repo, tag string) (json.RawMessage, refInfo, error) {
	var lastURL string
	for page := 1; page <= maxTagPages; page++ {
		lastURL = fmt.Sprintf("%s?per_page=%d&page=%d", g.apiURL(repo, "tags"), tagsPerPage, page)
		raw, err := g.getJSON(ctx, logFile, repo, tag, lastURL)
		if err != nil {
			return nil, refInfo{}, err
		}
		var tags []json.RawMessage
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, refInfo{}, fmt.Errorf("decode tags %s: %w", repo, err)
		}
		for _, rawTag := range tags {
			var info refInfo
			if err := json.Unmarshal(rawTag, &info); err != nil {
				continue
			}
			if info.Name == tag {
				return rawTag, info, nil
			}
		}
		if len(tags) < tagsPerPage {
			break
		}
	}
	return nil, refInfo{}, &FetchError{Repo: repo, Ref: tag, URL: lastURL, StatusCode: http.StatusNotFound}
}

func (g *GitHub) downloadAndExtract(ctx context.Context, logFile io.Writer, repo, ref, downloadURL, destDir string) (string, error) {
	archivePath := filepath.Join(destDir, archiveFilename)
	defer os.Remove(archivePath)

	resp, err := g.do(ctx, logFile, downloadURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &FetchError{Repo: repo, Ref: ref, URL: downloadURL, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", downloadURL, err)
	}
	fmt.Fprintf(logFile, "downloaded %d bytes to %s\n", n, archivePath)

	root, files, err := extract(archivePath, destDir)
	if err != nil {
		fmt.Fprintf(logFile, "extract failed: %v\n", err)
		return "", err
	}
	fmt.Fprintf(logFile, "extracted %d files into %s\n", files, root)
	g.logger.Info("Fetched source", "repo", repo, "ref", ref, "bytes", n, "path", root)
	return root, nil
}

func (g *GitHub) getJSON(ctx context.Context, logFile io.Writer, repo, ref, rawURL string) (json.RawMessage, error) {
	resp, err := g.do(ctx, logFile, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Repo: repo, Ref: ref, URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}

func (g *GitHub) do(ctx context.Context, logFile io.Writer, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	switch {
	case g.login != "" && g.token != "":
		req.SetBasicAuth(g.login, g.token)
	case g.token != "":
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	fmt.Fprintf(logFile, "GET %s\n", rawURL)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(logFile, "request failed: %v\n", err)
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	fmt.Fprintf(logFile, "HTTP %d\n", resp.StatusCode)
	return resp, nil
}

func (g *GitHub) apiURL(repo string, parts ...string) string {
	var b strings.Builder
	b.WriteString(g.baseURL)
	b.WriteString("/repos/")
	b.WriteString(escapePath(repo))
	for _, part := range parts {
		b.WriteByte('/')
		b.WriteString(escapePath(part))
	}
	return b.String()
}

// escapePath escapes each segment of p, keeping the separators so refs
// like feature/x and owner/name survive.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (g *GitHub) openLog(destDir string) (*os.File, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(destDir, LogFilename), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open download log: %w", err)
	}
	return f, nil
}

func writeMetadata(path string, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func isNotFound(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.StatusCode == http.StatusNotFound
}
