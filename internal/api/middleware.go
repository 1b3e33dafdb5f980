package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/camgate/camgate/internal/logging"
)

// requestLog logs every request after it completes, with the level keyed to
// the response status.
func requestLog(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	var level slog.Level
	switch {
	case ctx.Method() == http.MethodOptions:
		level = slog.LevelDebug
	case ctx.Status() >= 500:
		level = slog.LevelError
	case ctx.Status() >= 400:
		level = slog.LevelWarn
	default:
		level = slog.LevelInfo
	}

	logging.GetLogger("api").Log(ctx.Context(), level, "request",
		"method", ctx.Method(),
		"path", ctx.URL().Path,
		"status", ctx.Status(),
		"remote", ctx.RemoteAddr(),
		"duration", time.Since(start))
}

// corsMiddleware stamps permissive CORS headers; the gateway is an internal
// tool behind its own basic auth, not a public API.
func corsMiddleware(ctx huma.Context, next func(huma.Context)) {
	setCORSHeaders(func(k, v string) { ctx.SetHeader(k, v) })
	if ctx.Method() == http.MethodOptions {
		ctx.SetStatus(http.StatusNoContent)
		return
	}
	next(ctx)
}

// registerPreflight answers OPTIONS requests that never reach a routed
// operation, where huma middleware cannot intercept them.
func registerPreflight(mux *http.ServeMux) {
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header().Set)
		w.WriteHeader(http.StatusNoContent)
	})
}

func setCORSHeaders(set func(key, value string)) {
	set("Access-Control-Allow-Origin", "*")
	set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	set("Access-Control-Max-Age", "86400")
}
