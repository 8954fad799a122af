package client

import (
	"context"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/sympathy-lab/sytask/api"
)

// Namespace is the JSON-RPC method namespace of the admin API.
const Namespace = "Sytask"

// NewAdminRPC creates a new http jsonrpc client for the admin API.
func NewAdminRPC(ctx context.Context, addr string, requestHeader http.Header) (api.Admin, jsonrpc.ClientCloser, error) {
	var res api.AdminStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		jsonrpc.WithTimeout(30*time.Second),
	)

	return &res, closer, err
}
