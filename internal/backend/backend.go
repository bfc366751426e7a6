// Package backend provides the Backend interface for environment
// provisioning platforms. Each backend (Kubernetes, Docker, ...)
// creates and destroys one CMS instance plus its database sidecar so
// the rest of the system remains platform-agnostic.
package backend

import (
	"context"
	"time"
)

// Spec describes the environment to create.
type Spec struct {
	// Name is the unique environment name, used as the resource name
	// in the platform and as the DNS label for routing.
	Name string

	// AdminPassword and DBPassword seed the instance's credentials.
	AdminPassword string
	DBPassword    string
}

// Handle identifies a provisioned environment within its backend.
type Handle struct {
	// Name matches Spec.Name.
	Name string

	// Endpoint is the cluster-internal base URL of the instance.
	Endpoint string

	// PublicURL is the externally routable URL, empty until Configure
	// wires routing.
	PublicURL string
}

// Routing describes how an environment is exposed to its owner.
type Routing struct {
	// PublicHost is the hostname to route to the environment.
	PublicHost string
}

// Credentials is the secret set installed on an environment.
type Credentials struct {
	AdminPassword string
	DBPassword    string
	APIKey        string
}

// Backend is the contract every provisioning platform must satisfy.
//
// Reset and Destroy must be idempotent: calling either twice leaves
// the same end state as calling it once. Reset on a freshly created
// environment is a no-op apart from credential stamping.
type Backend interface {
	// Create provisions a new environment and returns its handle. The
	// environment is not necessarily ready when Create returns.
	Create(ctx context.Context, spec Spec) (*Handle, error)

	// WaitReady blocks until the environment answers health checks or
	// the timeout expires.
	WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error

	// Reset wipes the environment's database and mutable filesystem
	// state and reinitializes it for ownerID.
	Reset(ctx context.Context, h *Handle, ownerID string) error

	// Rotate installs fresh credentials on the environment. The
	// environment must be quiesced (claimed or resetting) when called;
	// the registry copy is updated by the caller only after Rotate
	// succeeds.
	Rotate(ctx context.Context, h *Handle, creds Credentials) error

	// Configure wires network routing for the environment and stamps
	// its expiry, making it reachable by its owner.
	Configure(ctx context.Context, h *Handle, routing Routing, ttl time.Time) error

	// Destroy permanently removes the environment and all its
	// resources.
	Destroy(ctx context.Context, h *Handle) error
}
