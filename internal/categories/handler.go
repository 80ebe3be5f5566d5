package categories

import (
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lorekeep/lorekeep/internal/platform/httpx"
	"github.com/lorekeep/lorekeep/internal/rbac"
)

// Handler wires HTTP endpoints for category management.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountPublicRoutes registers the read endpoints.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/categories", h.listCategories)
	r.Get("/categories/{categoryID}", h.getCategory)
}

// MountAdminRoutes registers the mutating endpoints. Callers gate these on
// the category management capability.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Post("/categories", h.createCategory)
	r.Put("/categories/{categoryID}", h.updateCategory)
	r.Delete("/categories/{categoryID}", h.deleteCategory)
	r.Get("/categories/{categoryID}/overrides", h.getOverrides)
	r.Put("/categories/{categoryID}/overrides", h.replaceOverrides)
}

type categoryRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description"`
	Hidden      bool   `json:"hidden"`
}

type overrideEntry struct {
	RoleID  int64    `json:"role_id" validate:"required"`
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

type replaceOverridesRequest struct {
	Overrides []overrideEntry `json:"overrides"`
}

type overrideResponse struct {
	RoleID  int64    `json:"role_id"`
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.List(r.Context(), rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.logger.Error("list categories", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if out == nil {
		out = []Category{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.categoryID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.Create(r.Context(), rbac.PrincipalFromContext(r.Context()), inputFromRequest(req))
	if err != nil {
		h.respondServiceError(w, "create category", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.categoryID(w, r)
	if !ok {
		return
	}
	var req categoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.Update(r.Context(), rbac.PrincipalFromContext(r.Context()), id, inputFromRequest(req))
	if err != nil {
		h.respondServiceError(w, "update category", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.categoryID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), rbac.PrincipalFromContext(r.Context()), id); err != nil {
		h.respondServiceError(w, "delete category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getOverrides(w http.ResponseWriter, r *http.Request) {
	id, ok := h.categoryID(w, r)
	if !ok {
		return
	}
	overrides, err := h.service.Overrides(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]overrideResponse, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, overrideResponse{
			RoleID:  o.RoleID,
			Allowed: o.Allowed.Codenames(),
			Denied:  o.Denied.Codenames(),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) replaceOverrides(w http.ResponseWriter, r *http.Request) {
	id, ok := h.categoryID(w, r)
	if !ok {
		return
	}
	var req replaceOverridesRequest
	if !h.decode(w, r, &req) {
		return
	}
	submissions := make(map[int64]rbac.OverrideSets, len(req.Overrides))
	for _, entry := range req.Overrides {
		if _, dup := submissions[entry.RoleID]; dup {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "duplicate role in overrides")
			return
		}
		submissions[entry.RoleID] = rbac.OverrideSets{Allowed: entry.Allowed, Denied: entry.Denied}
	}
	if err := h.service.ReplaceOverrides(r.Context(), rbac.PrincipalFromContext(r.Context()), id, submissions); err != nil {
		h.respondServiceError(w, "replace overrides", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) categoryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "categoryID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid category id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidCategory), errors.Is(err, rbac.ErrUnknownCapability), errors.Is(err, rbac.ErrConflictingSets):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func inputFromRequest(req categoryRequest) Input {
	return Input{
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		Hidden:      req.Hidden,
	}
}
