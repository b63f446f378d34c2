// Package container defines the container operations used by the container
// tools and the deployment pipeline.
package container

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a container or image does not exist.
var ErrNotFound = errors.New("container not found")

// Summary describes a container.
type Summary struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Image  string   `json:"image"`
	State  string   `json:"state"`
	Status string   `json:"status,omitempty"`
	Ports  []string `json:"ports,omitempty"`
	// IPAddress is the container's address on its first network.
	IPAddress string `json:"ip_address,omitempty"`
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Image string
	Name  string
	// Ports maps host ports to container ports, "8080:80". A bare container
	// port publishes to a random host port.
	Ports []string
	Env   []string
	// Pull fetches the image when it is missing locally.
	Pull bool
}

// Engine manages containers and images. Every method accepts a container ID
// or name as ref.
type Engine interface {
	List(ctx context.Context, all bool) ([]Summary, error)
	Run(ctx context.Context, spec RunSpec) (*Summary, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string, force bool) error
	Inspect(ctx context.Context, ref string) (*Summary, error)
	Logs(ctx context.Context, ref string, tail int) (string, error)

	// Build builds an image from a tar archive of a build context and
	// returns the build output.
	Build(ctx context.Context, buildContext io.Reader, tag string) (string, error)

	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error
	Close() error
}
