package server

import (
	"context"
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/gatekeeper"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type page struct {
	path  string
	title string
	name  string
}

// Shell pages for the client application. Access to them is decided by the gatekeeper.
var pages = []page{
	{path: "/", title: "Chat", name: "landing"},
	{path: "/chat", title: "Chat", name: "chat"},
	{path: "/chat/{conversationID}", title: "Chat", name: "chat"},
	{path: "/sign-in", title: "Sign in", name: "sign-in"},
	{path: "/sign-up", title: "Sign up", name: "sign-up"},
	{path: "/forgot-password", title: "Reset password", name: "forgot-password"},
	{path: "/settings", title: "Settings", name: "settings"},
	{path: "/billing", title: "Billing", name: "billing"},
	{path: "/pricing", title: "Pricing", name: "pricing"},
}

func (s *Server) registerPages(r chi.Router) {
	for _, p := range pages {
		r.Get(p.path, pageHandler("page", p.title, p.name, sessionContext))
	}
}

// pageHandler renders templateName with the page title and the request context.
func pageHandler(templateName, title, name string, contextFn func(ctx context.Context) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"Title":   title,
			"Page":    name,
			"Context": contextFn(r.Context()),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pageTemplates.ExecuteTemplate(w, templateName, data); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("Failed to render template")
		}
	}
}

func sessionContext(ctx context.Context) any {
	sess, ok := gatekeeper.SessionFromContext(ctx)
	if !ok {
		return nil
	}
	return sess
}
