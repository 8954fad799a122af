package api

import (
	"context"
	"errors"

	"github.com/sympathy-lab/sytask/taskmgr"
)

var ErrNotSupported = errors.New("method not supported")

// AdminStruct implements Admin by calling user-provided function values. The
// JSON-RPC client fills Internal.
type AdminStruct struct {
	Internal struct {
		Version    func(context.Context) (APIVersion, error)
		Status     func(context.Context) (taskmgr.Status, error)
		SetWorkers func(ctx context.Context, n int) error
		Shutdown   func(context.Context) error
	}
}

func (s *AdminStruct) Version(p0 context.Context) (APIVersion, error) {
	if s.Internal.Version == nil {
		return APIVersion{}, ErrNotSupported
	}
	return s.Internal.Version(p0)
}

func (s *AdminStruct) Status(p0 context.Context) (taskmgr.Status, error) {
	if s.Internal.Status == nil {
		return taskmgr.Status{}, ErrNotSupported
	}
	return s.Internal.Status(p0)
}

func (s *AdminStruct) SetWorkers(p0 context.Context, p1 int) error {
	if s.Internal.SetWorkers == nil {
		return ErrNotSupported
	}
	return s.Internal.SetWorkers(p0, p1)
}

func (s *AdminStruct) Shutdown(p0 context.Context) error {
	if s.Internal.Shutdown == nil {
		return ErrNotSupported
	}
	return s.Internal.Shutdown(p0)
}

var _ Admin = new(AdminStruct)
