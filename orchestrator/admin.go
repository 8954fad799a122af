package orchestrator

import (
	"context"
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/sympathy-lab/sytask/api"
	"github.com/sympathy-lab/sytask/api/client"
	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/metrics"
	"github.com/sympathy-lab/sytask/taskmgr"
)

type adminAPI struct {
	m        *taskmgr.Manager
	shutdown func()
}

var _ api.Admin = (*adminAPI)(nil)

func timed(ctx context.Context, endpoint string) func() {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Endpoint, endpoint))
	stop := metrics.Timer(ctx, metrics.APIRequestDuration)
	return func() { stop() }
}

func (a *adminAPI) Version(ctx context.Context) (api.APIVersion, error) {
	defer timed(ctx, "Version")()
	return api.APIVersion{
		Version:    build.UserVersion(),
		APIVersion: build.AdminAPIVersion,
		Session:    a.m.Session(),
	}, nil
}

func (a *adminAPI) Status(ctx context.Context) (taskmgr.Status, error) {
	defer timed(ctx, "Status")()
	return a.m.Status(ctx)
}

func (a *adminAPI) SetWorkers(ctx context.Context, n int) error {
	defer timed(ctx, "SetWorkers")()
	return a.m.SetWorkers(n)
}

func (a *adminAPI) Shutdown(ctx context.Context) error {
	defer timed(ctx, "Shutdown")()
	a.shutdown()
	return nil
}

// AdminHandler serves the admin JSON-RPC API on /rpc/v0 and opencensus
// metrics in prometheus format on /debug/metrics.
func AdminHandler(a api.Admin) (http.Handler, error) {
	m := mux.NewRouter()

	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(client.Namespace, a)
	m.Handle("/rpc/v0", rpcServer)

	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  promclient.NewRegistry(),
		Namespace: "sytask",
	})
	if err != nil {
		return nil, err
	}
	m.Handle("/debug/metrics", exporter)

	return m, nil
}
