package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// Runtime wraps the Docker daemon operations that happen outside the
// run child: image pre-pull, stray removal, and health checks.
type Runtime struct {
	client    *dockerclient.Client
	available bool
}

func NewRuntime(ctx context.Context, host string) (*Runtime, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	log.Println("[sandbox] Docker daemon connected")
	return &Runtime{client: client, available: true}, nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// EnsureImage pulls the sandbox image if it is not present locally, so
// promotion does not stall on a cold pull.
func (r *Runtime) EnsureImage(ctx context.Context, img string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		log.Printf("[sandbox] image %s found locally", img)
		return nil
	}

	log.Printf("[sandbox] image %s not found locally, pulling...", img)
	reader, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("[sandbox] image %s pulled", img)
	return nil
}

// RemoveContainer force-removes a session's container by name. Missing
// containers are fine; this is the backstop behind `docker run --rm`.
func (r *Runtime) RemoveContainer(ctx context.Context, sessionID string) error {
	name := ContainerName(sessionID)
	err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	if err == nil {
		log.Printf("[sandbox] removed container %s", name)
	}
	return nil
}

// ReapStrays force-removes every container carrying the session label.
// Run at startup: a labeled container with no broker alive to own it
// survived a crash.
func (r *Runtime) ReapStrays(ctx context.Context) (int, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !dockerclient.IsErrNotFound(err) {
			log.Printf("[sandbox] remove stray container %s: %v", c.ID[:12], err)
			continue
		}
		log.Printf("[sandbox] removed stray container %s", c.ID[:12])
		removed++
	}
	return removed, nil
}
