// Package handler maps one parsed request to a response. It always
// produces a response: expected outcomes (bad request, no such
// employee) resolve locally, and everything else - cancellation, pool
// or query failure - degrades to a logged 500.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/empq/deadline"
	"github.com/soldatov-s/empq/httpx"
	"github.com/soldatov-s/empq/providers/pg"
)

// CompanyGetter resolves an employee id to the company string. pg.Store
// is the production implementation.
type CompanyGetter interface {
	CompanyByEmployeeID(ctx context.Context, id int64) (string, error)
}

type Handler struct {
	store CompanyGetter
}

func New(store CompanyGetter) *Handler {
	return &Handler{store: store}
}

// Handle validates the request, runs the lookup under ctx and maps the
// outcome to a status. Malformed requests never touch the backend.
func (h *Handler) Handle(ctx context.Context, req *httpx.Request) *httpx.Response {
	if req.Method != http.MethodGet {
		return httpx.BadRequest()
	}
	id, err := httpx.ParseEmployeeID(req.Target)
	if err != nil {
		return httpx.BadRequest()
	}

	start := time.Now()
	company, err := h.store.CompanyByEmployeeID(ctx, id)
	switch {
	case err == nil:
		return &httpx.Response{Status: http.StatusOK, Body: company}
	case errors.Is(err, pg.ErrNoRows):
		return httpx.NotFound()
	default:
		logger := zerolog.Ctx(ctx)
		event := logger.Error()
		if deadline.Canceled(err) {
			event = logger.Warn()
		}
		event.Err(err).
			Str("stage", "handle").
			Int64("employee_id", id).
			Dur("elapsed", time.Since(start)).
			Msg("lookup failed")
		return httpx.InternalServerError()
	}
}
