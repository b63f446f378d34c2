// Package docker implements container.Engine with the Docker Engine API.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/nstogner/godagent/pkg/container"
)

// Engine talks to the local Docker daemon.
type Engine struct {
	cli *client.Client
}

var _ container.Engine = (*Engine)(nil)

// New connects using the standard DOCKER_* environment variables.
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

func (e *Engine) Close() error {
	return e.cli.Close()
}

func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *Engine) List(ctx context.Context, all bool) ([]container.Summary, error) {
	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	out := make([]container.Summary, 0, len(list))
	for _, c := range list {
		s := container.Summary{
			ID:     shortID(c.ID),
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
		}
		if len(c.Names) > 0 {
			s.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				s.Ports = append(s.Ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) Run(ctx context.Context, spec container.RunSpec) (*container.Summary, error) {
	if err := e.ensureImage(ctx, spec.Image, spec.Pull); err != nil {
		return nil, err
	}

	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, fmt.Errorf("parsing ports: %w", err)
	}
	cfg := &dcontainer.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
	}
	hostCfg := &dcontainer.HostConfig{PortBindings: bindings}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return e.Inspect(ctx, resp.ID)
}

func (e *Engine) ensureImage(ctx context.Context, image string, pull bool) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image: %w", err)
	}
	if !pull {
		return fmt.Errorf("image '%s' not found locally: %w", image, container.ErrNotFound)
	}
	rc, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer rc.Close()
	_, err = decodeMessages(rc)
	return err
}

func (e *Engine) Start(ctx context.Context, ref string) error {
	return wrap(e.cli.ContainerStart(ctx, ref, types.ContainerStartOptions{}), ref)
}

func (e *Engine) Stop(ctx context.Context, ref string) error {
	timeout := 10
	return wrap(e.cli.ContainerStop(ctx, ref, dcontainer.StopOptions{Timeout: &timeout}), ref)
}

func (e *Engine) Remove(ctx context.Context, ref string, force bool) error {
	return wrap(e.cli.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: force}), ref)
}

func (e *Engine) Inspect(ctx context.Context, ref string) (*container.Summary, error) {
	c, err := e.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return nil, wrap(err, ref)
	}
	s := &container.Summary{
		ID:    shortID(c.ID),
		Name:  strings.TrimPrefix(c.Name, "/"),
		Image: c.Config.Image,
	}
	if c.State != nil {
		s.State = c.State.Status
		if c.State.Running {
			s.Status = "Up since " + c.State.StartedAt
		}
	}
	if c.NetworkSettings != nil {
		for port, bindings := range c.NetworkSettings.Ports {
			for _, b := range bindings {
				s.Ports = append(s.Ports, b.HostPort+":"+string(port))
			}
		}
		s.IPAddress = c.NetworkSettings.IPAddress
		for _, n := range c.NetworkSettings.Networks {
			if s.IPAddress == "" && n.IPAddress != "" {
				s.IPAddress = n.IPAddress
			}
		}
	}
	return s, nil
}

func (e *Engine) Logs(ctx context.Context, ref string, tail int) (string, error) {
	opts := types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := e.cli.ContainerLogs(ctx, ref, opts)
	if err != nil {
		return "", wrap(err, ref)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

func (e *Engine) Build(ctx context.Context, buildContext io.Reader, tag string) (string, error) {
	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("building image: %w", err)
	}
	defer resp.Body.Close()
	return decodeMessages(resp.Body)
}

// decodeMessages reads a JSON message stream from the build or pull
// endpoints and returns the accumulated output, failing on an error message.
func decodeMessages(r io.Reader) (string, error) {
	var out strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return out.String(), fmt.Errorf("docker: %s", msg.Error)
		}
		out.WriteString(msg.Stream)
		if msg.Status != "" {
			out.WriteString(msg.Status + "\n")
		}
	}
	return out.String(), sc.Err()
}

func wrap(err error, ref string) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", ref, container.ErrNotFound)
	}
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// WaitRunning polls until the container reports running or ctx expires.
func WaitRunning(ctx context.Context, e container.Engine, ref string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		s, err := e.Inspect(ctx, ref)
		if err == nil && s.State == "running" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for container %s: %w", ref, ctx.Err())
		case <-ticker.C:
		}
	}
}
