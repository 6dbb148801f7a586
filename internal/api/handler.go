package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/task"
	"github.com/kalambet/taskcheck/internal/verification"
)

// Backend is the booted system as seen by the HTTP and MCP layers.
type Backend interface {
	Verify(ctx context.Context, itemID string) task.Result
	StartItem(ctx context.Context, itemID string) (task.Progress, error)
	ItemState(itemID string) (verification.ItemState, error)
	ResetItem(itemID string) error
	ResetVerification() error

	SaveItem(it task.Item) error
	GetItem(id string) (*task.Item, error)
	ListItems(limit int) ([]task.Item, error)
	GetProgress(itemID string) (task.Progress, error)

	Diagnose() orchestrator.Report
	Recover(ctx context.Context) orchestrator.Report
	ResetSystem(ctx context.Context) orchestrator.Report

	Subscribe(types ...events.Type) events.Subscription
}

type Deps struct {
	Backend Backend
	Token   string
	// Heartbeat is the idle interval between keep-alive comments on the
	// event stream. Zero means 15s.
	Heartbeat time.Duration
}

// NewHandler builds the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/items", handleListItems(deps))
		r.Post("/items", handleSaveItem(deps))
		r.Route("/items/{id}", func(r chi.Router) {
			r.Get("/", handleGetItem(deps))
			r.Get("/progress", handleGetProgress(deps))
			r.Get("/state", handleItemState(deps))
			r.Post("/start", handleStartItem(deps))
			r.Post("/verify", handleVerify(deps))
			r.Post("/reset", handleResetItem(deps))
		})

		r.Post("/verification/reset", handleResetVerification(deps))

		r.Get("/system/diagnose", handleDiagnose(deps))
		r.Post("/system/recover", handleRecover(deps))
		r.Post("/system/reset", handleResetSystem(deps))

		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Backend.Diagnose()
		status := "ok"
		if report.Degraded || report.Partial {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": status,
			"ready":  len(report.Ready),
			"failed": report.Failed,
		})
	}
}

func handleSaveItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var it task.Item
		if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if it.Category != "" {
			it.Category = task.ParseCategory(string(it.Category))
		}
		if it.ID == "" {
			it.ID = newItemID(it.Category)
		}
		if !it.EndsAt.IsZero() && !it.StartsAt.IsZero() && it.EndsAt.Before(it.StartsAt) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ends_at is before starts_at")
			return
		}
		if it.CompletionLimit < 0 || it.Target < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "completion_limit and target must not be negative")
			return
		}

		if err := deps.Backend.SaveItem(it); err != nil {
			backendError(w, "item", err)
			return
		}
		writeJSON(w, http.StatusCreated, it)
	}
}

// newItemID prefixes a random id with the category so the classifier can
// still infer it from the id alone.
func newItemID(c task.Category) string {
	id := uuid.New().String()
	if c == "" || c == task.CategoryUnknown {
		return id
	}
	return string(c) + "_" + id
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Backend.ListItems(parseIntParam(r, "limit", 50, 500))
		if err != nil {
			backendError(w, "items", err)
			return
		}
		if items == nil {
			items = []task.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Backend.GetItem(chi.URLParam(r, "id"))
		if err != nil {
			backendError(w, "item", err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleGetProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Backend.GetProgress(chi.URLParam(r, "id"))
		if err != nil {
			backendError(w, "progress", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleItemState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Backend.ItemState(chi.URLParam(r, "id"))
		if err != nil {
			backendError(w, "item state", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleStartItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Backend.StartItem(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			backendError(w, "item", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// handleVerify always answers 200; the outcome is in the result body.
func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Backend.Verify(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleResetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Backend.ResetItem(chi.URLParam(r, "id")); err != nil {
			backendError(w, "item", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleResetVerification(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Backend.ResetVerification(); err != nil {
			backendError(w, "verification state", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleDiagnose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Backend.Diagnose())
	}
}

func handleRecover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Backend.Recover(r.Context()))
	}
}

func handleResetSystem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Backend.ResetSystem(r.Context()))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
