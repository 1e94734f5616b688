package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/berth/internal/model"
)

const (
	pingTimeout = 5 * time.Second
	windowsPipe = `//./pipe/docker_engine`
	systemSock  = "/var/run/docker.sock"
)

// Client is the engine.Engine backed by a Docker daemon.
type Client struct {
	inner *client.Client
}

// NewClient connects to the daemon named by DOCKER_HOST or, when that is
// unset, to the first local socket found for this platform. It does not
// contact the daemon; call Ping for that.
func NewClient() (*Client, error) {
	host := os.Getenv("DOCKER_HOST")
	if host == "" {
		var err error
		if host, err = localHost(); err != nil {
			return nil, model.WrapCLIError(model.ExitEngineUnavailable, "no container engine found", err)
		}
	}
	return dial(host)
}

func dial(host string) (*Client, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitEngineUnavailable,
			fmt.Sprintf("cannot use engine host %q", host),
			err,
		)
	}
	return &Client{inner: c}, nil
}

// localHost returns the engine host URI for this machine.
func localHost() (string, error) {
	if runtime.GOOS == "windows" {
		conn, err := net.DialTimeout("pipe", windowsPipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("engine pipe %s: %w", windowsPipe, err)
		}
		conn.Close()
		return "npipe://" + windowsPipe, nil
	}

	candidates := unixSocketCandidates(runtime.GOOS)
	if candidates == nil {
		return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return firstSocket(candidates)
}

// unixSocketCandidates lists socket paths to try on goos, most preferred
// first. Nil means goos has no unix socket default.
func unixSocketCandidates(goos string) []string {
	switch goos {
	case "linux":
		return []string{systemSock}
	case "darwin":
		paths := []string{systemSock}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
		return paths
	}
	return nil
}

// firstSocket returns the unix:// URI of the first path that exists.
func firstSocket(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("no engine socket at %v (is the daemon running?)", paths)
}

// Ping checks that the daemon answers within pingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(ctx); err != nil {
		return model.WrapCLIError(model.ExitEngineUnavailable, "container engine did not answer", err)
	}
	return nil
}

// Close releases the connection. A Client that never connected is fine.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
