package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/toyota-m2k/boo-server/internal/logger"
)

// NewRouter creates the BooServer protocol router.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/nop", h.Nop)
	r.Get("/capability", h.Capability)
	r.Get("/check", h.Check)
	r.Get("/list", h.List)
	r.Get("/item", h.Item)
	r.Put("/item", h.PutItem)
	r.Get("/video", h.Video)
	r.Get("/audio", h.Audio)
	r.Get("/photo", h.Photo)
	r.Get("/chapter", h.Chapter)
	r.Get("/current", h.GetCurrent)
	r.Put("/current", h.PutCurrent)
	r.Get("/categories", h.Categories)

	return r
}

// requestLogger logs one line per request through the global logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
		)
	})
}
