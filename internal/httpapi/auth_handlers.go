package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"sparing.org/internal/auth"
	"sparing.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type meResponse struct {
	UserID    string    `json:"id"`
	Role      auth.Role `json:"role"`
	SiteUIDs  []string  `json:"site_uids"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.Access.Token,
		RefreshToken:     pair.Refresh.Token,
		TokenType:        "bearer",
		ExpiresAt:        pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	pair, principal, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	a.logger.InfoContext(r.Context(), "auth.login",
		slog.String("user_id", principal.UserID),
		slog.String("role", string(principal.Role)),
		slog.String("jti", pair.Access.TokenID),
	)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	pair, previous, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			obs.ObserveTokenRejected(reason)
		}
		handleError(w, r, a.logger, err)
		return
	}
	a.logger.InfoContext(r.Context(), "auth.refresh",
		slog.String("user_id", previous.UserID),
		slog.String("rotated_jti", previous.TokenID),
	)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.Logout(r.Context(), principal, req.RefreshToken); err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	a.logger.InfoContext(r.Context(), "auth.logout",
		slog.String("user_id", principal.UserID),
		slog.String("jti", principal.TokenID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}
	scope := principal.SiteScope()
	if scope == nil {
		scope = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:    principal.UserID,
		Role:      principal.Role,
		SiteUIDs:  scope,
		ExpiresAt: principal.ExpiresAt,
	})
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return fmt.Sprintf("%s is required", fe.Field())
		}
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
	return err.Error()
}
