// Package http exposes admin.Service over REST, using the same rest/server
// framework the rest of the nandlabs stack serves HTTP with. It carries no
// engine internals: every route is a thin parse-call-respond wrapper over
// the service.
package http

import (
	"context"
	"net/http"

	"oss.nandlabs.io/golly/ioutils"
	"oss.nandlabs.io/golly/rest/server"
	"oss.nandlabs.io/outboxd/admin"
	"oss.nandlabs.io/outboxd/record"
)

// deleteResult is the response body for both delete routes.
type deleteResult struct {
	Deleted int64 `json:"deleted"`
}

type errorResult struct {
	Error string `json:"error"`
}

// Mount registers the administrative routes on srv under /outbox:
//
//	DELETE /outbox/records?status=FAILED
//	DELETE /outbox/records/:key?status=COMPLETED
//
// The status query parameter is required on both; it guards against an
// accidental delete-everything call.
func Mount(srv server.Server, svc *admin.Service) error {
	if err := srv.Delete("/outbox/records", func(ctx server.Context) {
		status, ok := parseStatus(&ctx)
		if !ok {
			return
		}
		n, err := svc.DeleteByStatus(context.Background(), status)
		if err != nil {
			writeError(&ctx, http.StatusInternalServerError, err)
			return
		}
		_ = ctx.Write(deleteResult{Deleted: n}, ioutils.MimeApplicationJSON)
	}); err != nil {
		return err
	}

	return srv.Delete("/outbox/records/:key", func(ctx server.Context) {
		status, ok := parseStatus(&ctx)
		if !ok {
			return
		}
		key, err := ctx.GetParam("key", server.PathParam)
		if err != nil || key == "" {
			writeError(&ctx, http.StatusBadRequest, admin.ErrUnknownStatus)
			return
		}
		n, err := svc.DeleteByKeyAndStatus(context.Background(), key, status)
		if err != nil {
			writeError(&ctx, http.StatusInternalServerError, err)
			return
		}
		_ = ctx.Write(deleteResult{Deleted: n}, ioutils.MimeApplicationJSON)
	})
}

func parseStatus(ctx *server.Context) (status record.Status, ok bool) {
	name, err := ctx.GetParam("status", server.QueryParam)
	if err != nil || name == "" {
		writeError(ctx, http.StatusBadRequest, admin.ErrUnknownStatus)
		return status, false
	}
	status, err = admin.ParseStatus(name)
	if err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return status, false
	}
	return status, true
}

func writeError(ctx *server.Context, code int, err error) {
	ctx.SetStatusCode(code)
	_ = ctx.Write(errorResult{Error: err.Error()}, ioutils.MimeApplicationJSON)
}
