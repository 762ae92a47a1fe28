package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 10 * time.Second

	memoryLimit = 256 * 1024 * 1024
	pidsLimit   = 64
	workDir     = "/sandbox"
	cleanupWait = 10 * time.Second
)

// dockerAPI is the part of the engine client the sandbox needs.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type DockerSandbox struct {
	cli       dockerAPI
	languages *Registry
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewDockerSandbox(languages *Registry, timeout time.Duration, logger zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerSandbox(cli, languages, timeout, logger), nil
}

func newDockerSandbox(cli dockerAPI, languages *Registry, timeout time.Duration, logger zerolog.Logger) *DockerSandbox {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DockerSandbox{
		cli:       cli,
		languages: languages,
		timeout:   timeout,
		logger:    logger.With().Str("component", "sandbox").Logger(),
	}
}

// Run executes one program in a fresh container. A program that exits non
// zero yields an Output carrying only its stderr. A missing image is pulled
// once and reported with ErrImagePulled; the caller is expected to retry.
func (s *DockerSandbox) Run(ctx context.Context, req Request) (Output, error) {
	lang, err := s.languages.Get(req.Language)
	if err != nil {
		return Output{}, err
	}

	script, err := Script(lang, req)
	if err != nil {
		return Output{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pids := int64(pidsLimit)
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           lang.Image,
		Cmd:             lang.Command(script),
		WorkingDir:      workDir,
		NetworkDisabled: true,
		Tty:             false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     memoryLimit,
			MemorySwap: memoryLimit,
			NanoCPUs:   1e9,
			PidsLimit:  &pids,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			workDir: "rw,exec,nosuid,size=64m,mode=1777",
		},
	}, nil, nil, "codecollab-run-"+uuid.NewString())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Output{}, s.pull(ctx, lang.Image)
		}
		return Output{}, fmt.Errorf("create container: %w", err)
	}

	log := s.logger.With().Str("container", resp.ID).Str("language", lang.Id).Logger()
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), cleanupWait)
		defer rmCancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Msg("failed to remove container")
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Output{}, s.checkDeadline(ctx, resp.ID, fmt.Errorf("start container: %w", err))
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return Output{}, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		return Output{}, s.checkDeadline(ctx, resp.ID, fmt.Errorf("wait container: %w", err))
	case <-ctx.Done():
		return Output{}, s.checkDeadline(ctx, resp.ID, ctx.Err())
	}

	logs, err := s.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Output{}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return Output{}, fmt.Errorf("read container logs: %w", err)
	}

	log.Debug().Int64("exit_code", exitCode).Msg("container finished")

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("process exited with status %d", exitCode)
		}
		return Output{Stderr: msg}, nil
	}

	return Output{Stdout: strings.TrimSpace(stdout.String())}, nil
}

// checkDeadline turns an expired run deadline into ErrTimeout after killing
// the container. Any other error is returned unchanged.
func (s *DockerSandbox) checkDeadline(ctx context.Context, id string, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}

	killCtx, cancel := context.WithTimeout(context.Background(), cleanupWait)
	defer cancel()
	if kerr := s.cli.ContainerKill(killCtx, id, "SIGKILL"); kerr != nil {
		s.logger.Warn().Err(kerr).Str("container", id).Msg("failed to kill container")
	}

	s.logger.Info().Str("container", id).Dur("timeout", s.timeout).Msg("execution timed out")
	return ErrTimeout
}

func (s *DockerSandbox) pull(ctx context.Context, img string) error {
	s.logger.Info().Str("image", img).Msg("pulling docker image")

	// the pull gets its own deadline; the run timeout is sized for user code
	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	reader, err := s.cli.ImagePull(pullCtx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull docker image %s: %w", img, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull docker image %s: %w", img, err)
	}

	s.logger.Info().Str("image", img).Msg("pulled docker image")
	return ErrImagePulled
}
