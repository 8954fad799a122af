// Package api defines the orchestrator admin API served over JSON-RPC.
package api

import (
	"context"

	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/taskmgr"
)

// Admin is the admin API of a running orchestrator.
type Admin interface {
	// Version returns the build and API versions of the orchestrator.
	Version(context.Context) (APIVersion, error)

	// Status returns a snapshot of the worker pool and task queues.
	Status(context.Context) (taskmgr.Status, error)

	// SetWorkers changes the target worker count. Busy workers finish their
	// current task first.
	SetWorkers(ctx context.Context, n int) error

	// Shutdown stops the orchestrator as if it received SIGTERM.
	Shutdown(context.Context) error
}

// APIVersion provides various build-time information
type APIVersion struct {
	Version string

	// APIVersion is a binary encoded semver version of the remote implementing
	// this api
	APIVersion build.Version

	Session string
}

func (v APIVersion) String() string {
	return "v" + v.Version + " api " + v.APIVersion.String()
}
