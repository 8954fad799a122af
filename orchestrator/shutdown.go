package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

type StopFunc func(context.Context) error

// ShutdownHandler is a named teardown step.
type ShutdownHandler struct {
	Component string
	StopFunc  StopFunc
}

// MonitorShutdown runs the handlers in order once triggerCh is closed or, when
// signals is set, SIGTERM or SIGINT arrives. The returned channel yields the
// combined handler errors and is then closed.
func MonitorShutdown(triggerCh <-chan struct{}, signals bool, handlers ...ShutdownHandler) <-chan error {
	sigCh := make(chan os.Signal, 2)
	out := make(chan error, 1)

	go func() {
		defer close(out)

		select {
		case sig := <-sigCh:
			log.Warnw("received shutdown", "signal", sig)
		case <-triggerCh:
			log.Warn("received shutdown")
		}
		signal.Stop(sigCh)

		log.Warn("Shutting down...")

		var merr *multierror.Error
		for _, h := range handlers {
			if err := h.StopFunc(context.TODO()); err != nil {
				log.Errorf("shutting down %s failed: %s", h.Component, err)
				merr = multierror.Append(merr, err)
				continue
			}
			log.Infof("%s shut down successfully ", h.Component)
		}

		if merr == nil {
			log.Warn("Graceful shutdown successful")
		}

		_ = log.Sync() //nolint:errcheck
		out <- merr.ErrorOrNil()
	}()

	if signals {
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	}
	return out
}
