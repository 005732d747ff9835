// Package httpapi implements the thin admin review surface: a filtered
// list of resolutions and a single edit endpoint driving manual status
// transitions. It is an external collaborator to the resolution engine,
// not part of the core.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/nucleus/correlate/internal/corrections"
)

// Handler serves the review UI's HTTP surface.
type Handler struct {
	queries *corrections.Queries
	tx      corrections.TxRunner
	engine  *corrections.Engine
}

// NewHandler builds a Handler over a read-side Queries instance, the
// TxRunner used to drive C5 status transitions atomically, and the Engine
// used to ingest new observations via C6.
func NewHandler(queries *corrections.Queries, tx corrections.TxRunner, engine *corrections.Engine) *Handler {
	return &Handler{queries: queries, tx: tx, engine: engine}
}

// Register wires the review and ingest endpoints into mux, matching the
// teacher's mux.Handle wiring style in cmd/server/main.go.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/corrections/", h.handleList)
	mux.HandleFunc("/corrections/{id}/edit/", h.handleEdit)
	mux.HandleFunc("/occurrences/ingest", h.handleIngest)
}

// ingestRequest is the wire shape of a single applyCorrection call.
type ingestRequest struct {
	Value      string                   `json:"value"`
	Context    corrections.ContextList  `json:"context"`
	ScopeID    int64                    `json:"scope_id"`
	Hypotheses []corrections.Hypothesis `json:"hypotheses"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	entity, err := h.engine.ApplyCorrection(r.Context(), req.Value, req.Context, req.ScopeID, req.Hypotheses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	var scopeID *int64
	if raw := q.Get("scope_id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			scopeID = &parsed
		}
	}

	var statuses []corrections.ResolutionStatus
	for _, raw := range q["status"] {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		statuses = append(statuses, corrections.ResolutionStatus(parsed))
	}

	page := 0
	if raw := q.Get("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed - 1
		}
	}

	views, total, err := h.queries.ResolutionsInScope(
		ctx, scopeID, statuses,
		q.Get("search_occurrence"), q.Get("search_correct"),
		q.Get("conflicts_only") == "1",
		q.Get("sort_by"), page, 50,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resolutions": views,
		"total":       total,
		"page":        page + 1,
	})
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "malformed resolution id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	view, err := h.queries.GetResolution(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, view)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	action := r.PostForm.Get("action")

	switch action {
	case "approve":
		err := h.tx.WithTx(ctx, func(ctx context.Context, s corrections.Store) error {
			_, err := corrections.SetStatus(ctx, s, id, corrections.StatusApproved, true)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		log.Printf("resolution #%d approved", id)
		http.Redirect(w, r, "/corrections/", http.StatusFound)

	case "invalidate":
		err := h.tx.WithTx(ctx, func(ctx context.Context, s corrections.Store) error {
			_, err := corrections.SetStatus(ctx, s, id, corrections.StatusInvalid, true)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		log.Printf("resolution #%d invalidated", id)
		http.Redirect(w, r, "/corrections/", http.StatusFound)

	case "delete":
		if err := h.tx.WithTx(ctx, func(ctx context.Context, s corrections.Store) error {
			return s.DeleteResolution(ctx, id)
		}); err != nil {
			writeError(w, err)
			return
		}
		log.Printf("resolution #%d deleted", id)
		http.Redirect(w, r, "/corrections/", http.StatusFound)

	case "change_status":
		newStatus, err := strconv.Atoi(r.PostForm.Get("status"))
		if err != nil || !isValidStatus(corrections.ResolutionStatus(newStatus)) {
			http.Error(w, "malformed status", http.StatusBadRequest)
			return
		}
		err = h.tx.WithTx(ctx, func(ctx context.Context, s corrections.Store) error {
			_, err := corrections.SetStatus(ctx, s, id, corrections.ResolutionStatus(newStatus), true)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		log.Printf("resolution #%d status changed to %d", id, newStatus)
		http.Redirect(w, r, strings.TrimSuffix(r.URL.Path, "/")+"/", http.StatusFound)

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func isValidStatus(s corrections.ResolutionStatus) bool {
	switch s {
	case corrections.StatusPending, corrections.StatusApproved, corrections.StatusInvalid:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if corrections.IsKind(err, corrections.KindNotFound) {
		status = http.StatusNotFound
	} else if corrections.IsKind(err, corrections.KindInputValidation) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
