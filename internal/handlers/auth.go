package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/miniauth/idserver/internal/auth"
	"github.com/miniauth/idserver/internal/services"
	"github.com/miniauth/idserver/internal/storage"
)

// UserHandler provides the identity HTTP endpoints.
type UserHandler struct {
	identityService *services.IdentityService
	avatars         *storage.AvatarStore
	secret          []byte
}

// NewUserHandler constructs a UserHandler. avatars may be nil when no
// storage backend is configured; the avatar endpoints then answer 503.
func NewUserHandler(identityService *services.IdentityService, avatars *storage.AvatarStore, jwtSecret string) *UserHandler {
	return &UserHandler{
		identityService: identityService,
		avatars:         avatars,
		secret:          []byte(jwtSecret),
	}
}

// UserRouter registers the identity routes on the given router.
func UserRouter(r chi.Router, identityService *services.IdentityService, avatars *storage.AvatarStore, jwtSecret string) {
	handler := NewUserHandler(identityService, avatars, jwtSecret)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Post("/password", handler.ChangePassword)
	r.Get("/wechat/signin", handler.SignInWithWeChat)
	r.With(handler.RequireAuth).Post("/wechat/userinfo", handler.UpdateWeChatUserInfo)
	r.With(handler.RequireAuth).Post("/avatar", handler.UploadAvatar)
	r.Get("/{userID}/avatar", handler.GetAvatar)
}

// RequireAuth enforces bearer-token authentication and injects the verified
// identity into the request context.
func (h *UserHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		identity, err := auth.Parse(tokenString, h.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := r.Context()
		next.ServeHTTP(w, r.WithContext(contextWithIdentity(ctx, identity)))
	})
}

// Register creates a password-based account. The caller must log in
// separately; no token is returned here.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	username, err := h.identityService.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		writeServiceError(w, err, "failed to register")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, "User %s has successfully registered.", username)
}

// Login verifies credentials and returns a session token envelope.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	session, err := h.identityService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err, "failed to authenticate")
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// ChangePassword replaces the account password after the username/email
// verification in the identity core.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.identityService.ChangePassword(r.Context(), req.Username, req.Password, req.Email); err != nil {
		writeServiceError(w, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChangePasswordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
