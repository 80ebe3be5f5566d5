package auth

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// PrincipalMiddleware resolves the acting principal for each request and
// stores it in context for downstream capability checks. Identity comes from
// the session cookie for humans and from a bearer API key for bots; requests
// carrying neither proceed as the anonymous principal.
type PrincipalMiddleware struct {
	logger  *slog.Logger
	repo    Repository
	service *Service
	rbac    *rbac.Service
}

// NewPrincipalMiddleware constructs a PrincipalMiddleware.
func NewPrincipalMiddleware(logger *slog.Logger, repo Repository, service *Service, rbacService *rbac.Service) *PrincipalMiddleware {
	return &PrincipalMiddleware{logger: logger, repo: repo, service: service, rbac: rbacService}
}

// Handler is the chi middleware entry point.
func (m *PrincipalMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := m.identify(r)
		if account == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := m.rbac.PrincipalFor(r.Context(), account.ID, account.IsSuperuser)
		if err != nil {
			if m.logger != nil {
				m.logger.Error("resolve principal", slog.Int64("user_id", account.ID), slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), principal)))
	})
}

func (m *PrincipalMiddleware) identify(r *http.Request) *Account {
	if token, ok := bearerToken(r); ok {
		account, err := m.service.AuthenticateToken(r.Context(), token)
		if err != nil {
			return nil
		}
		return account
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return nil
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("parse session user id", slog.String("value", raw))
		}
		return nil
	}
	account, err := m.repo.FindByID(r.Context(), id)
	if err != nil || !account.IsActive {
		return nil
	}
	return account
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
