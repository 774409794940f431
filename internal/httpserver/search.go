package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teacurran/village-homepage/internal/auth"
	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/search"
)

// SearchHandler exposes the geo and text query façade for operator
// tooling and internal consumers.
type SearchHandler struct {
	svc    *search.Service
	logger *slog.Logger
}

// NewSearchHandler creates the search handler.
func NewSearchHandler(svc *search.Service, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{svc: svc, logger: logger}
}

// Routes mounts the search endpoints (read-only role).
func (h *SearchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireMinRole(auth.RoleReadOnly))
	r.Get("/nearby", h.handleNearby)
	r.Get("/sites", h.handleSites)
	return r
}

func (h *SearchHandler) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	radius, err3 := strconv.ParseFloat(q.Get("radius_miles"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "lat, lng, and radius_miles are required numbers")
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxPageSize {
			RespondError(w, http.StatusBadRequest, "bad_request", "limit must be in [1, 100]")
			return
		}
		limit = n
	}

	results, err := h.svc.Nearby(r.Context(), lat, lng, radius, limit)
	if err != nil {
		h.logger.Error("nearby query", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}
	Respond(w, http.StatusOK, results)
}

func (h *SearchHandler) handleSites(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	text := r.URL.Query().Get("q")
	if text == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "q is required")
		return
	}

	results, total, err := h.svc.Query(r.Context(), gateway.SearchQuery{
		Text:   text,
		Offset: params.Offset,
		Limit:  params.PageSize,
	})
	if err != nil {
		h.logger.Error("site search", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}
	Respond(w, http.StatusOK, NewOffsetPage(results, params, total))
}
