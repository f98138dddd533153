// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// runs every registered [Checker] and answers 503 if any of them fails. Both
// reply with {"status": "ok"|"fail", "checks": {name: "ok"|"fail: reason"}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil while the
// dependency can take traffic and must give up when ctx ends.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Reporter is anything that knows whether it would accept a request right
// now, such as a provider failover group.
type Reporter interface {
	Healthy() bool
}

// ErrNotConfigured fails a [ReporterChecker] built without a reporter.
var ErrNotConfigured = errors.New("not configured")

var errUnavailable = errors.New("unavailable")

// ReporterChecker turns r into a [Checker] called name. When r is unhealthy
// and describe is set, its output is appended to the failure.
func ReporterChecker(name string, r Reporter, describe func() string) Checker {
	check := func(ctx context.Context) error {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case r == nil:
			return ErrNotConfigured
		case r.Healthy():
			return nil
		case describe == nil:
			return errUnavailable
		}
		return fmt.Errorf("%w (%s)", errUnavailable, describe())
	}
	return Checker{Name: name, Check: check}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz runs all checkers concurrently under the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) evaluate(ctx context.Context) result {
	outcomes := make([]string, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			outcomes[i] = statusOK
			if err := c.Check(cctx); err != nil {
				outcomes[i] = statusFail + ": " + err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		res.Checks[c.Name] = outcomes[i]
		if outcomes[i] != statusOK {
			res.Status = statusFail
		}
	}
	return res
}

// Names is the comma separated checker list for the startup log.
func (h *Handler) Names() string {
	names := make([]string, 0, len(h.checkers))
	for _, c := range h.checkers {
		names = append(names, c.Name)
	}
	return strings.Join(names, ",")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
