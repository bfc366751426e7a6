// Package docker implements the environment backend on a local Docker
// daemon. Each environment is a CMS container plus a MySQL container
// joined on a private network, with the CMS port published on an
// ephemeral host port. Intended for development and CI.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"stagepool/internal/backend"
	"stagepool/internal/fail"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// Config holds configuration for the Docker backend.
type Config struct {
	// CMS container image
	Image string
	// Database sidecar image
	DBImage string
}

// Backend implements backend.Backend using the Docker SDK.
type Backend struct {
	client *client.Client
	config Config
	logger *slog.Logger

	httpClient *http.Client
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// New creates a new Docker-based backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Backend{
		client:     cli,
		config:     cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Create starts the network, database and CMS containers for a new
// environment.
func (b *Backend) Create(ctx context.Context, spec backend.Spec) (*backend.Handle, error) {
	for _, img := range []string{b.config.Image, b.config.DBImage} {
		if err := b.ensureImage(ctx, img); err != nil {
			return nil, err
		}
	}

	netName := spec.Name + "-net"
	if _, err := b.client.NetworkCreate(ctx, netName, network.CreateOptions{}); err != nil {
		if !errdefs.IsConflict(err) {
			return nil, classifyDockerError("create network", err)
		}
	}

	dbName := spec.Name + "-db"
	dbConfig := &container.Config{
		Image: b.config.DBImage,
		Env: []string{
			"MYSQL_DATABASE=wordpress",
			"MYSQL_USER=wordpress",
			"MYSQL_PASSWORD=" + spec.DBPassword,
			"MYSQL_ROOT_PASSWORD=" + spec.DBPassword,
		},
		Labels: map[string]string{"stagepool.environment": spec.Name},
	}
	dbHost := &container.HostConfig{NetworkMode: container.NetworkMode(netName)}
	dbResp, err := b.client.ContainerCreate(ctx, dbConfig, dbHost, nil, nil, dbName)
	if err != nil {
		b.removeNetwork(ctx, netName)
		return nil, classifyDockerError("create db container", err)
	}
	if err := b.client.ContainerStart(ctx, dbResp.ID, container.StartOptions{}); err != nil {
		b.Destroy(ctx, &backend.Handle{Name: spec.Name})
		return nil, classifyDockerError("start db container", err)
	}

	appConfig := &container.Config{
		Image: b.config.Image,
		Env: []string{
			"WORDPRESS_DB_HOST=" + dbName + ":3306",
			"WORDPRESS_DB_NAME=wordpress",
			"WORDPRESS_DB_USER=wordpress",
			"WORDPRESS_DB_PASSWORD=" + spec.DBPassword,
		},
		ExposedPorts: nat.PortSet{"80/tcp": struct{}{}},
		Labels:       map[string]string{"stagepool.environment": spec.Name},
	}
	appHost := &container.HostConfig{
		NetworkMode: container.NetworkMode(netName),
		PortBindings: nat.PortMap{
			"80/tcp": []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
	}
	appResp, err := b.client.ContainerCreate(ctx, appConfig, appHost, nil, nil, spec.Name)
	if err != nil {
		b.Destroy(ctx, &backend.Handle{Name: spec.Name})
		return nil, classifyDockerError("create cms container", err)
	}
	if err := b.client.ContainerStart(ctx, appResp.ID, container.StartOptions{}); err != nil {
		b.Destroy(ctx, &backend.Handle{Name: spec.Name})
		return nil, classifyDockerError("start cms container", err)
	}

	endpoint, err := b.publishedEndpoint(ctx, spec.Name)
	if err != nil {
		b.Destroy(ctx, &backend.Handle{Name: spec.Name})
		return nil, err
	}

	b.logger.Info("created environment containers", "name", spec.Name, "endpoint", endpoint)

	return &backend.Handle{Name: spec.Name, Endpoint: endpoint}, nil
}

// WaitReady polls the CMS endpoint until it answers.
func (b *Backend) WaitReady(ctx context.Context, h *backend.Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fail.Newf(fail.KindBackendTransient,
					"environment %s not ready after %s", h.Name, timeout)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint+"/", nil)
			if err != nil {
				return err
			}
			resp, err := b.httpClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
		}
	}
}

// Reset drops and recreates the CMS database and wipes mutable files.
func (b *Backend) Reset(ctx context.Context, h *backend.Handle, ownerID string) error {
	dbPassword, err := b.containerEnv(ctx, h.Name+"-db", "MYSQL_ROOT_PASSWORD")
	if err != nil {
		return err
	}

	dbCommands := []string{
		"DROP DATABASE IF EXISTS wordpress",
		"CREATE DATABASE wordpress",
		"FLUSH PRIVILEGES",
	}
	for _, cmd := range dbCommands {
		if err := b.execInContainer(ctx, h.Name+"-db", []string{"mysql", "-p" + dbPassword, "-e", cmd}); err != nil {
			return fail.Newf(fail.KindReset, "database reset on %s: %v", h.Name, err)
		}
	}

	fsCommands := [][]string{
		{"sh", "-c", "rm -rf /var/www/html/wp-content/uploads/*"},
		{"sh", "-c", "rm -rf /var/www/html/wp-content/cache/*"},
		{"sh", "-c", "rm -f /var/www/html/wp-content/debug.log"},
	}
	for _, cmd := range fsCommands {
		if err := b.execInContainer(ctx, h.Name, cmd); err != nil {
			return fail.Newf(fail.KindReset, "filesystem reset on %s: %v", h.Name, err)
		}
	}
	return nil
}

// Rotate changes the database password in place and points the CMS
// config at it. Root keeps its create-time password so later resets
// can still authenticate through the container env.
func (b *Backend) Rotate(ctx context.Context, h *backend.Handle, creds backend.Credentials) error {
	rootPassword, err := b.containerEnv(ctx, h.Name+"-db", "MYSQL_ROOT_PASSWORD")
	if err != nil {
		return err
	}

	alterCommands := []string{
		fmt.Sprintf("ALTER USER 'wordpress'@'%%' IDENTIFIED BY '%s'", creds.DBPassword),
		"FLUSH PRIVILEGES",
	}
	for _, cmd := range alterCommands {
		if err := b.execInContainer(ctx, h.Name+"-db", []string{"mysql", "-p" + rootPassword, "-e", cmd}); err != nil {
			return fail.Newf(fail.KindReset, "credential rotation on %s: %v", h.Name, err)
		}
	}

	rewrite := fmt.Sprintf(
		`sed -i "s/define( *'DB_PASSWORD'.*/define( 'DB_PASSWORD', '%s' );/" /var/www/html/wp-config.php`,
		creds.DBPassword)
	if err := b.execInContainer(ctx, h.Name, []string{"sh", "-c", rewrite}); err != nil {
		return fail.Newf(fail.KindReset, "credential rotation on %s: %v", h.Name, err)
	}
	return nil
}

// Configure is a label-only operation on Docker: there is no ingress
// to wire, so the public URL is recorded on the handle for the result
// payload and the expiry lives in the registry.
func (b *Backend) Configure(ctx context.Context, h *backend.Handle, routing backend.Routing, ttl time.Time) error {
	if routing.PublicHost != "" {
		h.PublicURL = "http://" + routing.PublicHost
	}
	return nil
}

// Destroy force-removes both containers and the network. Idempotent.
func (b *Backend) Destroy(ctx context.Context, h *backend.Handle) error {
	for _, name := range []string{h.Name, h.Name + "-db"} {
		err := b.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			return classifyDockerError("remove container", err)
		}
	}
	if err := b.removeNetwork(ctx, h.Name+"-net"); err != nil {
		return err
	}
	b.logger.Info("destroyed environment", "name", h.Name)
	return nil
}

func (b *Backend) ensureImage(ctx context.Context, img string) error {
	_, err := b.client.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	reader, err := b.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return classifyDockerError("pull image "+img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) execInContainer(ctx context.Context, name string, command []string) error {
	exec, err := b.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return err
	}
	if err := b.client.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{}); err != nil {
		return err
	}

	// Poll for completion; exec has no wait API.
	for {
		inspect, err := b.client.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("command %v exited with code %d", command, inspect.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (b *Backend) containerEnv(ctx context.Context, name, key string) (string, error) {
	inspect, err := b.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", classifyDockerError("inspect container", err)
	}
	prefix := key + "="
	for _, env := range inspect.Config.Env {
		if len(env) > len(prefix) && env[:len(prefix)] == prefix {
			return env[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("env %s not set on container %s", key, name)
}

func (b *Backend) publishedEndpoint(ctx context.Context, name string) (string, error) {
	inspect, err := b.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", classifyDockerError("inspect container", err)
	}
	bindings := inspect.NetworkSettings.Ports["80/tcp"]
	if len(bindings) == 0 {
		return "", fmt.Errorf("no published port for container %s", name)
	}
	return fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort), nil
}

func (b *Backend) removeNetwork(ctx context.Context, name string) error {
	err := b.client.NetworkRemove(ctx, name)
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyDockerError("remove network", err)
	}
	return nil
}

// classifyDockerError maps daemon errors onto the failure taxonomy.
func classifyDockerError(op string, err error) error {
	if errdefs.IsInvalidParameter(err) || errdefs.IsForbidden(err) {
		return fail.Newf(fail.KindBackendTerminal, "%s: %v", op, err)
	}
	return fail.Newf(fail.KindBackendTransient, "%s: %v", op, err)
}
