package wolfchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cyberwolf/wolfchat/core"
	"github.com/cyberwolf/wolfchat/pkg/router"
)

func StatusHandler(w http.ResponseWriter, r *http.Request) error {
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  "online",
		"message": "Cyber Wolf Chat API is running",
	}); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func FirebaseHookHandler(w http.ResponseWriter, r *http.Request) error {
	// Accepted unconditionally; the body is not processed.
	if err := json.NewEncoder(w).Encode(map[string]bool{"received": true}); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

type UserHandler struct {
	store core.Store
}

func NewUserHandler(store core.Store) *UserHandler {
	return &UserHandler{store: store}
}

// ValidateUserHandler reports whether any profile carries the given display
// name. Failures use the legacy {"message": "Server error"} shape rather
// than the router's error envelope.
func (h *UserHandler) ValidateUserHandler(w http.ResponseWriter, r *http.Request) error {
	username := chi.URLParam(r, "username")

	snap, err := h.store.Get(r.Context(), "users")
	if err != nil {
		return serverError(w)
	}

	exists := false
	if snap.Exists() {
		children, err := snap.Children()
		if err != nil {
			return serverError(w)
		}
		for _, raw := range children {
			var profile core.UserProfile
			if err := json.Unmarshal(raw, &profile); err != nil {
				continue
			}
			if profile.DisplayName == username {
				exists = true
				break
			}
		}
	}

	if err := json.NewEncoder(w).Encode(map[string]bool{"exists": exists}); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func serverError(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"message": "Server error"})
	return nil
}

type BlobHandler struct {
	blobs core.BlobStore
}

func NewBlobHandler(blobs core.BlobStore) *BlobHandler {
	return &BlobHandler{blobs: blobs}
}

func (h *BlobHandler) ServeBlobHandler(w http.ResponseWriter, r *http.Request) error {
	path := chi.URLParam(r, "*")

	blob, err := h.blobs.Open(r.Context(), path)
	if err != nil {
		if errors.Is(err, core.ErrBlobNotFound) {
			return router.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return err
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Write(blob.Data)
	return nil
}
