package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/miniauth/idserver/types"
)

// The mini program sends its appId in this header on every WeChat call.
const headerAppID = "Appid"

// SignInWithWeChat exchanges the one-time login code from the query string
// for a session token, creating the federated account on first sign-in.
func (h *UserHandler) SignInWithWeChat(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	appID := r.Header.Get(headerAppID)

	session, err := h.identityService.SignInWithWeChat(r.Context(), appID, code)
	if err != nil {
		writeServiceError(w, err, "failed to sign in")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// UpdateWeChatUserInfo merges the submitted profile fields into the
// caller's account and returns the updated public record.
func (h *UserHandler) UpdateWeChatUserInfo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UpdateUserInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.identityService.UpdateWeChatProfile(r.Context(), r.Header.Get(headerAppID), req.UserInfo, identity)
	if err != nil {
		writeServiceError(w, err, "failed to update user info")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

type UpdateUserInfoRequest struct {
	UserInfo types.ProfilePatch `json:"userInfo"`
}
