package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/engine"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/plugin"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

const maxUpload = 1 << 20

type Handler struct {
	mux *chi.Mux

	plugin *plugin.Plugin
	events *events.Recent
}

func NewHandler(b *Backend, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{
		mux:    chi.NewRouter(),
		plugin: b.Plugin,
		events: b.Events,
	}
	h.mux.Use(middleware.RequestID)
	h.mux.Use(middleware.RealIP)
	h.mux.Use(Logger)

	h.mux.Group(func(r chi.Router) {
		r.Use(interactive)
		r.Get("/installed", h.Installed)
		r.Get("/updates", h.Updates)
		r.Get("/sources", h.Sources)
		r.Get("/search", h.Search)
		r.Get("/apps/{id}", h.Apps)
		r.Get("/events", h.Events)

		r.Post("/refresh", h.Refresh)
		r.Post("/install", h.batch("install", h.plugin.Install))
		r.Post("/update", h.batch("update", h.plugin.Update))
		r.Post("/download", h.batch("download", h.plugin.Download))
		r.Post("/uninstall", h.batch("uninstall", h.plugin.Uninstall))

		r.Post("/repos", h.AddRepo)
		r.Post("/repos/{name}/enable", h.repo("enable", h.plugin.EnableRepo))
		r.Post("/repos/{name}/disable", h.repo("disable", h.plugin.DisableRepo))
		r.Delete("/repos/{name}", h.repo("remove", h.plugin.RemoveRepo))
	})

	h.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return h
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// interactive marks API requests as user-initiated so they jump queued background work.
func interactive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(plugin.Interactive(r.Context())))
	})
}

func (h Handler) Installed(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "Installed", h.plugin.ListInstalled)
}

func (h Handler) Updates(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "Updates", h.plugin.ListUpdates)
}

func (h Handler) Sources(w http.ResponseWriter, r *http.Request) {
	related := r.URL.Query().Get("related") == "true"
	h.list(w, r, "Sources", func(ctx context.Context) (*app.List, error) {
		return h.plugin.ListSources(ctx, related)
	})
}

func (h Handler) Search(w http.ResponseWriter, r *http.Request) {
	terms := strings.Fields(r.URL.Query().Get("q"))
	if len(terms) == 0 {
		http.Error(w, "missing search terms", http.StatusBadRequest)
		return
	}
	h.list(w, r, "Search", func(ctx context.Context) (*app.List, error) {
		return h.plugin.Search(ctx, terms...)
	})
}

func (h Handler) list(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (*app.List, error)) {
	slog.Info("handling "+op, slog.String("request_id", middleware.GetReqID(r.Context())))

	list, err := fn(r.Context())
	if err != nil {
		writeError(w, r, "plugin."+op, err)
		return
	}
	writeJSON(w, http.StatusOK, appViews(list.Apps()))
}

// Apps returns every app with the id, fully refined.
func (h Handler) Apps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	slog.Info("handling Apps",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("id", id),
	)

	list, err := h.plugin.ListAppsByID(r.Context(), id)
	if err != nil {
		writeError(w, r, "plugin.ListAppsByID", err)
		return
	}
	if list.Len() == 0 {
		http.NotFound(w, r)
		return
	}
	if err := h.plugin.RefineList(r.Context(), list, engine.RefineAll); err != nil {
		writeError(w, r, "plugin.RefineList", err)
		return
	}
	writeJSON(w, http.StatusOK, appViews(list.Apps()))
}

func (h Handler) Events(w http.ResponseWriter, _ *http.Request) {
	recent := h.events.Events()
	out := make([]eventView, 0, len(recent))
	for _, e := range recent {
		v := eventView{Time: e.Time, Severity: e.Severity.String()}
		if e.App != nil {
			v.App = e.App.UniqueID()
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// Refresh accepts an optional cache-age duration; stale metadata is refetched.
func (h Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var cacheAge time.Duration
	if s := r.URL.Query().Get("cache-age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid cache-age: %s", err), http.StatusBadRequest)
			return
		}
		cacheAge = d
	}
	slog.Info("handling Refresh",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Duration("cache_age", cacheAge),
	)

	if err := h.plugin.Refresh(r.Context(), cacheAge); err != nil {
		writeError(w, r, "plugin.Refresh", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	Apps []string `json:"apps"`
}

func (h Handler) batch(op string, fn func(context.Context, *app.List) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUpload)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %s", err), http.StatusBadRequest)
			return
		}
		if len(req.Apps) == 0 {
			http.Error(w, "no apps requested", http.StatusBadRequest)
			return
		}
		slog.Info("handling "+op,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("apps", req.Apps),
		)

		list := app.NewList()
		for _, uid := range req.Apps {
			a, err := h.resolve(r.Context(), uid)
			if err != nil {
				writeError(w, r, "resolve", err)
				return
			}
			if a == nil {
				http.Error(w, fmt.Sprintf("unknown app %q", uid), http.StatusNotFound)
				return
			}
			list.Add(a)
		}

		err := fn(r.Context(), list)
		var be *plugin.BatchError
		if errors.As(err, &be) {
			slog.Warn("batch failed",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("app", be.App.UniqueID()),
				slog.Any("error", be.Err),
			)
		}
		if err != nil {
			writeError(w, r, "plugin."+op, err)
			return
		}
		writeJSON(w, http.StatusOK, appViews(list.Apps()))
	}
}

// resolve finds the app a unique id names, wildcards allowed. Installed apps missing from
// the metadata index are found through the installed list.
func (h Handler) resolve(ctx context.Context, uid string) (*app.App, error) {
	parts := strings.Split(uid, "/")
	if len(parts) != 5 || parts[3] == "*" {
		return nil, storeerr.New(storeerr.KindNotSupported, "invalid unique id %q", uid)
	}
	byID, err := h.plugin.ListAppsByID(ctx, parts[3])
	if err != nil {
		return nil, err
	}
	if a := byID.Lookup(uid); a != nil {
		return a, nil
	}
	installed, err := h.plugin.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	return installed.Lookup(uid), nil
}

// AddRepo reads a .flatpakrepo (kind=repo, the default) or .flatpakref (kind=ref) body.
// A repo file adds its remote; a ref file installs its app and, if needed, its remote.
func (h Handler) AddRepo(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	slog.Info("handling AddRepo",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("kind", kind),
		slog.String("name", name),
	)

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var a *app.App
	switch kind {
	case "repo", "":
		if a, err = h.plugin.AppFromRepoFile(r.Context(), name+".flatpakrepo", data); err == nil {
			err = h.plugin.AddRepo(r.Context(), a)
		}
	case "ref":
		if a, err = h.plugin.AppFromRefFile(r.Context(), name+".flatpakref", data); err == nil {
			list := app.NewList()
			list.Add(a)
			err = h.plugin.Install(r.Context(), list)
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported kind %q", kind), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, r, "plugin.AddRepo", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAppView(a))
}

func (h Handler) repo(op string, fn func(context.Context, *app.App) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		slog.Info("handling repo "+op,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("name", name),
		)

		a, err := h.plugin.FindRepo(r.Context(), name)
		if err != nil {
			if storeerr.IsKind(err, storeerr.KindNotSupported) {
				http.NotFound(w, r)
				return
			}
			writeError(w, r, "plugin.FindRepo", err)
			return
		}
		if err := fn(r.Context(), a); err != nil {
			writeError(w, r, "plugin."+op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// statusCode maps generic error kinds to HTTP statuses.
func statusCode(err error) int {
	switch storeerr.KindOf(err) {
	case storeerr.KindNotSupported:
		return http.StatusBadRequest
	case storeerr.KindInvalidFormat:
		return http.StatusUnprocessableEntity
	case storeerr.KindNoSpace:
		return http.StatusInsufficientStorage
	case storeerr.KindNoSecurity:
		return http.StatusForbidden
	case storeerr.KindNoNetwork:
		return http.StatusBadGateway
	case storeerr.KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusCode(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, op,
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("kind", storeerr.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
