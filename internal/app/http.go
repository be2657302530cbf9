package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cam3ron2/github-leaderboard/internal/exporter"
	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/github-leaderboard/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewHTTPHandler wires the leaderboard read API, metrics and health endpoints on a single router.
// limiter may be nil to serve reads without per-client throttling.
func NewHTTPHandler(
	reader exporter.SnapshotReader,
	metricsHandler http.Handler,
	healthHandler http.Handler,
	limiter *clientLimiter,
) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	api := &leaderboardAPI{reader: reader}
	router.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Method(http.MethodGet, "/leaderboard", wrapHTTPHandler(traceMode, "leaderboard", http.HandlerFunc(api.boards)))
		r.Method(http.MethodGet, "/leaderboard/{stat}", wrapHTTPHandler(traceMode, "leaderboard_stat", http.HandlerFunc(api.board)))
		r.Method(http.MethodGet, "/runs/latest", wrapHTTPHandler(traceMode, "runs_latest", http.HandlerFunc(api.latestRun)))
	})

	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	return router
}

type leaderboardAPI struct {
	reader exporter.SnapshotReader
}

// boards serves the three boards in all-time, monthly, weekly order.
func (a *leaderboardAPI) boards(w http.ResponseWriter, r *http.Request) {
	report, ok := a.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, report.Boards)
}

func (a *leaderboardAPI) board(w http.ResponseWriter, r *http.Request) {
	stat, ok := leaderboard.ParseStat(chi.URLParam(r, "stat"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown leaderboard stat")
		return
	}
	report, ok := a.latest(w, r)
	if !ok {
		return
	}
	board, _ := report.Board(stat)
	writeJSON(w, http.StatusOK, board)
}

func (a *leaderboardAPI) latestRun(w http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard not computed yet")
		return
	}
	snapshot, found, err := a.reader.Latest(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard snapshot unavailable")
		return
	}
	if !found {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard not computed yet")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *leaderboardAPI) latest(w http.ResponseWriter, r *http.Request) (leaderboard.Report, bool) {
	if a.reader == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard not computed yet")
		return leaderboard.Report{}, false
	}
	snapshot, found, err := a.reader.Latest(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard snapshot unavailable")
		return leaderboard.Report{}, false
	}
	if !found {
		writeJSONError(w, http.StatusServiceUnavailable, "leaderboard not computed yet")
		return leaderboard.Report{}, false
	}
	return snapshot.Report, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("github-leaderboard/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
