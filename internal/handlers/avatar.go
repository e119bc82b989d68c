package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	maxAvatarBytes     = 5 << 20
	maxMultipartMemory = 8 << 20
	formFieldAvatar    = "avatar"
)

var allowedAvatarTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

// UploadAvatar stores the caller's avatar image, replacing any previous one.
func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	if h.avatars == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar storage is not configured")
		return
	}

	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes+maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile(formFieldAvatar)
	if err != nil {
		writeError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	if header.Size > maxAvatarBytes {
		writeError(w, http.StatusBadRequest, "avatar exceeds the size limit")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !allowedAvatarTypes[contentType] {
		writeError(w, http.StatusBadRequest, "avatar must be a png or jpeg image")
		return
	}

	if err := h.avatars.Put(r.Context(), identity.UID, file, header.Size, contentType); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store avatar")
		return
	}

	writeJSON(w, http.StatusOK, AvatarResponse{
		Avatar: fmt.Sprintf("/user/%d/avatar", identity.UID),
	})
}

// GetAvatar streams a stored avatar image.
func (h *UserHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	if h.avatars == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar storage is not configured")
		return
	}

	uid, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || uid < 1 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	object, err := h.avatars.Get(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusNotFound, "avatar not found")
		return
	}
	defer object.Close()

	// Content-Type is sniffed by net/http from the first write.
	if _, err := io.Copy(w, object); err != nil {
		// Headers are already out; nothing more to report to the client.
		return
	}
}

type AvatarResponse struct {
	Avatar string `json:"avatar"`
}
