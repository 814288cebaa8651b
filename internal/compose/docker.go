package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/metocean/bob-the-builder/internal/tail"
)

const noneTag = "<none>:<none>"

var builtinNetworks = map[string]struct{}{
	"bridge":          {},
	"host":            {},
	"none":            {},
	"ingress":         {},
	"docker_gwbridge": {},
}

// Image is a locally stored image.
type Image struct {
	ID       string
	RepoTags []string
	Created  time.Time
}

type RegistryAuth struct {
	ServerAddress string
	Username      string
	Password      string
}

// Docker wraps the engine API calls the pipeline and the worker need.
type Docker struct {
	cli    client.APIClient
	auth   RegistryAuth
	logger *slog.Logger
}

func NewDocker(host string, auth RegistryAuth, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewDockerWithClient(cli, auth, logger), nil
}

func NewDockerWithClient(cli client.APIClient, auth RegistryAuth, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cli: cli, auth: auth, logger: logger}
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// RecentImages lists tagged images created at or after since.
func (d *Docker) RecentImages(ctx context.Context, since time.Time) ([]Image, error) {
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var out []Image
	for _, s := range summaries {
		created := time.Unix(s.Created, 0)
		if created.Before(since.Truncate(time.Second)) {
			continue
		}
		var tags []string
		for _, tag := range s.RepoTags {
			if tag != "" && tag != noneTag {
				tags = append(tags, tag)
			}
		}
		if len(tags) == 0 {
			continue
		}
		out = append(out, Image{ID: s.ID, RepoTags: tags, Created: created})
	}
	return out, nil
}

// Login authenticates against the configured registry and returns the
// encoded auth header value for pushes. Without credentials it returns the
// encoding of an empty auth config.
func (d *Docker) Login(ctx context.Context) (string, error) {
	cfg := registry.AuthConfig{
		Username:      d.auth.Username,
		Password:      d.auth.Password,
		ServerAddress: d.auth.ServerAddress,
	}
	if cfg.Username != "" {
		if _, err := d.cli.RegistryLogin(ctx, cfg); err != nil {
			return "", fmt.Errorf("registry login %s: %w", cfg.ServerAddress, err)
		}
		d.logger.Info("Logged in to registry", "registry", cfg.ServerAddress, "username", cfg.Username)
	}
	return registry.EncodeAuthConfig(cfg)
}

func (d *Docker) Tag(ctx context.Context, source, target, logPath string) error {
	logFile, err := openAppend(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "$ docker tag %s %s\n", source, target)
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		fmt.Fprintf(logFile, "%v\n", err)
		return d.stepFailed("docker tag "+source+" "+target, logPath, err)
	}
	return nil
}

func (d *Docker) Push(ctx context.Context, ref, auth, logPath string) error {
	logFile, err := openAppend(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if auth == "" {
		if auth, err = registry.EncodeAuthConfig(registry.AuthConfig{}); err != nil {
			return err
		}
	}
	fmt.Fprintf(logFile, "$ docker push %s\n", ref)
	rc, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		fmt.Fprintf(logFile, "%v\n", err)
		return d.stepFailed("docker push "+ref, logPath, err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, logFile, 0, false, nil); err != nil {
		fmt.Fprintf(logFile, "%v\n", err)
		return d.stepFailed("docker push "+ref, logPath, err)
	}
	return nil
}

func (d *Docker) stepFailed(command, logPath string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%s interrupted: %w", command, cause)
	}
	text, _ := tail.Tail(logPath, failureTailLines, 0)
	return &BuildStepFailedError{Command: command, ExitCode: 1, LogPath: logPath, Tail: text}
}

// RemoveNetworks removes every user defined network after stopping the
// containers attached to it.
func (d *Docker) RemoveNetworks(ctx context.Context) error {
	nets, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	var errs []error
	for _, n := range nets {
		if _, ok := builtinNetworks[n.Name]; ok {
			continue
		}
		attached := filters.NewArgs(filters.Arg("network", n.ID))
		if err := d.removeContainers(ctx, attached); err != nil {
			errs = append(errs, err)
		}
		if err := d.cli.NetworkRemove(ctx, n.ID); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove network %s: %w", n.Name, err))
			continue
		}
		d.logger.Info("Removed docker network", "network", n.Name)
	}
	return errors.Join(errs...)
}

// RemoveImages stops and removes all containers, then force removes every
// image on the host.
func (d *Docker) RemoveImages(ctx context.Context) error {
	var errs []error
	if err := d.removeContainers(ctx, filters.NewArgs()); err != nil {
		errs = append(errs, err)
	}
	images, err := d.cli.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list images: %w", err))...)
	}
	for _, img := range images {
		_, err := d.cli.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: true, PruneChildren: true})
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove image %s: %w", img.ID, err))
		}
	}
	d.logger.Info("Removed docker images", "count", len(images))
	return errors.Join(errs...)
}

func (d *Docker) removeContainers(ctx context.Context, args filters.Args) error {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	var errs []error
	for _, c := range containers {
		if err := d.cli.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("stop container %s: %w", c.ID, err))
		}
		err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}
