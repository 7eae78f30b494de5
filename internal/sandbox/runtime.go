// Package sandbox wraps the Docker SDK to run one container per session with
// the session's worktree mounted at /workspace.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// SessionLabel marks containers this control plane launched.
const SessionLabel = "agentplane.session_id"

// LaunchSpec describes one sandbox container.
type LaunchSpec struct {
	SessionID        string
	WorktreePath     string
	ManagerURL       string
	Token            string
	Role             string
	GoalPrompt       string
	Model            string
	BaseSystemPrompt string

	// IdleTimeoutSeconds tells the runner how long the agent may sit idle
	// before it reports session.idle. Zero disables the idle report.
	IdleTimeoutSeconds int
}

// Info is a snapshot of a container's runtime state.
type Info struct {
	ID         string
	State      string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runtime launches and releases sandbox containers.
type Runtime struct {
	cli    *client.Client
	image  string
	logger *logger.Logger
}

// NewRuntime creates the Docker-backed sandbox runtime.
func NewRuntime(dockerCfg config.DockerConfig, sandboxCfg config.SandboxConfig, log *logger.Logger) (*Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerCfg.Host != "" {
		opts = append(opts, client.WithHost(dockerCfg.Host))
	}
	if dockerCfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(dockerCfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Runtime{
		cli:    cli,
		image:  sandboxCfg.Image,
		logger: log.WithFields(zap.String("component", "sandbox")),
	}, nil
}

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Check verifies the Docker daemon is reachable.
func (r *Runtime) Check(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// containerName derives a stable container name from the session id.
func containerName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agentplane-session-" + short
}

// containerEnv builds the environment handed to the runner process.
func containerEnv(spec LaunchSpec) []string {
	return []string{
		"AGENTPLANE_SESSION_ID=" + spec.SessionID,
		"AGENTPLANE_MANAGER_URL=" + spec.ManagerURL,
		"AGENTPLANE_SESSION_ROLE=" + spec.Role,
		"AGENTPLANE_GOAL_PROMPT=" + spec.GoalPrompt,
		"AGENTPLANE_MODEL=" + spec.Model,
		"AGENTPLANE_BASE_SYSTEM_PROMPT=" + spec.BaseSystemPrompt,
		"AGENTPLANE_IDLE_TIMEOUT_SECONDS=" + strconv.Itoa(spec.IdleTimeoutSeconds),
		"GITHUB_TOKEN=" + spec.Token,
	}
}

// Launch creates and starts a sandbox container, pulling the image on first
// use. Host networking lets the runner reach the control plane on localhost.
func (r *Runtime) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	log := r.logger.WithSessionID(spec.SessionID)

	if err := r.ensureImage(ctx); err != nil {
		return "", err
	}

	containerCfg := &container.Config{
		Image:      r.image,
		Env:        containerEnv(spec),
		WorkingDir: "/workspace",
		Labels:     map[string]string{SessionLabel: spec.SessionID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "host",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorktreePath,
			Target: "/workspace",
		}},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(spec.SessionID))
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	log.Info("sandbox launched",
		zap.String("container_id", resp.ID),
		zap.String("image", r.image))
	return resp.ID, nil
}

// Stop stops a container, escalating after graceSeconds.
func (r *Runtime) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop sandbox container: %w", err)
	}
	return nil
}

// Remove deletes a container. Removing an unknown container is not an error.
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	return nil
}

// Inspect returns a container's runtime state.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox container: %w", err)
	}

	info := &Info{
		ID:       inspect.ID,
		State:    inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		info.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		info.FinishedAt = t
	}
	return info, nil
}

// ensureImage pulls the sandbox image if it is not present locally.
func (r *Runtime) ensureImage(ctx context.Context) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, r.image); err == nil {
		return nil
	}

	r.logger.Info("pulling sandbox image", zap.String("image", r.image))
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.image, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output: %w", err)
	}
	return nil
}

// isNotFound matches missing-container errors without binding to a specific
// errdefs package version.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
