package handlers

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the API on r
func Routes(r chi.Router, chat *ChatHandler, admin *AdminHandler, mw *Middleware) {
	r.Use(mw.CORSMiddleware)

	r.Get("/health", admin.HandleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.RateLimitMiddleware)

		r.Post("/chat", chat.HandleChat)
		r.Post("/chat/stream", chat.HandleChatStream)

		r.Get("/providers", admin.HandleProviders)
		r.Get("/providers/stats", admin.HandleProviderStats)
		r.Put("/providers/priority", admin.HandleSetPriorities)
		r.Post("/providers/test", admin.HandleTestProvider)

		r.Get("/keys", admin.HandleListKeys)
		r.Post("/keys", admin.HandleAddKey)
		r.Post("/keys/reset", admin.HandleResetKeys)

		r.Get("/cache/stats", admin.HandleCacheStats)
		r.Delete("/cache", admin.HandleClearCache)
	})
}
