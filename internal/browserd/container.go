package browserd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Sidecar manages the browser driver container. The container runs for the
// whole process lifetime and serves every browser account; profile
// directories are bind-mounted so logins survive restarts.
type Sidecar struct {
	client      *client.Client
	image       string
	addr        string
	profilesDir string
	logger      *slog.Logger

	containerID string
}

func NewSidecar(image, addr, profilesDir string, logger *slog.Logger) (*Sidecar, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sidecar{
		client:      cli,
		image:       image,
		addr:        addr,
		profilesDir: profilesDir,
		logger:      logger.With("component", "sidecar"),
	}, nil
}

// Start creates and starts the driver container, then polls until the driver
// answers on addr. Host networking keeps the driver reachable on localhost
// without port mapping.
func (s *Sidecar) Start(ctx context.Context) error {
	created, err := s.client.ContainerCreate(ctx,
		&container.Config{
			Image: s.image,
			Env:   []string{"DRIVER_LISTEN=" + s.addr},
		},
		&container.HostConfig{
			NetworkMode: "host",
			Binds:       []string{s.profilesDir + ":/profiles"},
			AutoRemove:  true,
			ShmSize:     512 * 1024 * 1024, // chromium crashes on the 64MB default
			Resources: container.Resources{
				Memory:     2048 * 1024 * 1024,
				MemorySwap: 2048 * 1024 * 1024,
			},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("create driver container: %w", err)
	}
	s.containerID = created.ID

	if err := s.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start driver container: %w", err)
	}
	s.logger.Info("driver container started", "id", created.ID[:12], "image", s.image)

	probe := NewClient(s.addr, 5*time.Second, s.logger)
	deadline := time.Now().Add(60 * time.Second)
	for {
		if err := probe.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			logs := s.tailLogs(ctx)
			_ = s.Stop(ctx)
			return fmt.Errorf("driver did not become ready within 60s; last output:\n%s", logs)
		}
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Stop kills the driver container. AutoRemove cleans up the husk.
func (s *Sidecar) Stop(ctx context.Context) error {
	if s.containerID == "" {
		return nil
	}
	id := s.containerID
	s.containerID = ""
	if err := s.client.ContainerKill(ctx, id, "SIGTERM"); err != nil {
		return fmt.Errorf("kill driver container: %w", err)
	}
	s.logger.Info("driver container stopped", "id", id[:12])
	return nil
}

func (s *Sidecar) tailLogs(ctx context.Context) string {
	if s.containerID == "" {
		return ""
	}
	rc, err := s.client.ContainerLogs(ctx, s.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "40",
	})
	if err != nil {
		return ""
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(rc, 64*1024))
	if stderr.Len() > 0 {
		return stderr.String()
	}
	return stdout.String()
}

func (s *Sidecar) Close() error {
	return s.client.Close()
}
