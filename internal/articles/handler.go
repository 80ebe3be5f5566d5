package articles

import (
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lorekeep/lorekeep/internal/platform/httpx"
	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// Handler wires HTTP endpoints for articles.
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

// MountRoutes registers article routes on the provided router. Authorization
// is per-article-category, so it happens in the service rather than in
// route middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/articles", h.listArticles)
	r.Post("/articles", h.createArticle)
	r.Get("/articles/{articleID}", h.getArticle)
	r.Put("/articles/{articleID}", h.updateArticle)
	r.Delete("/articles/{articleID}", h.deleteArticle)
	r.Post("/articles/{articleID}/rating", h.rateArticle)
}

type articleRequest struct {
	CategoryID int64  `json:"category_id" validate:"required"`
	Slug       string `json:"slug"`
	Title      string `json:"title" validate:"required,max=200"`
	Body       string `json:"body"`
}

type ratingRequest struct {
	Value int `json:"value" validate:"required,min=1,max=5"`
}

type listResponse struct {
	Articles   []Article         `json:"articles"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listArticles(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	categoryID, _ := strconv.ParseInt(r.URL.Query().Get("category_id"), 10, 64)

	out, pagination, err := h.service.List(r.Context(), rbac.PrincipalFromContext(r.Context()), categoryID, page, perPage)
	if err != nil {
		h.respondServiceError(w, "list articles", err)
		return
	}
	if out == nil {
		out = []Article{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Articles: out, Pagination: pagination})
}

func (h *Handler) getArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.articleID(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), rbac.PrincipalFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) createArticle(w http.ResponseWriter, r *http.Request) {
	var req articleRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.service.Create(r.Context(), rbac.PrincipalFromContext(r.Context()), inputFromRequest(req))
	if err != nil {
		h.respondServiceError(w, "create article", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) updateArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.articleID(w, r)
	if !ok {
		return
	}
	var req articleRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.service.Update(r.Context(), rbac.PrincipalFromContext(r.Context()), id, inputFromRequest(req))
	if err != nil {
		h.respondServiceError(w, "update article", err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) deleteArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.articleID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), rbac.PrincipalFromContext(r.Context()), id); err != nil {
		h.respondServiceError(w, "delete article", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rateArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.articleID(w, r)
	if !ok {
		return
	}
	var req ratingRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.service.Rate(r.Context(), rbac.PrincipalFromContext(r.Context()), id, req.Value)
	if err != nil {
		h.respondServiceError(w, "rate article", err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) articleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid article id")
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
	case errors.Is(err, ErrInvalidArticle), errors.Is(err, ErrInvalidRating):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func inputFromRequest(req articleRequest) Input {
	return Input{
		CategoryID: req.CategoryID,
		Slug:       req.Slug,
		Title:      req.Title,
		Body:       req.Body,
	}
}
