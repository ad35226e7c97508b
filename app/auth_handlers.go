package wolfchat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyberwolf/wolfchat/core"
	"github.com/cyberwolf/wolfchat/pkg/router"
)

// maxAvatarSize bounds avatar uploads at 5 MiB.
const maxAvatarSize = 5 << 20

type AuthHandler struct {
	auth *core.Auth
}

func NewAuthHandler(auth *core.Auth) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type CredentialsPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CredentialsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewHTTPError(http.StatusBadRequest, "invalid input")
	}

	session, err := h.auth.Register(r.Context(), payload.Email, payload.Password)
	if err != nil {
		return err
	}

	http.SetCookie(w, core.CookieFromRequest(session, true, "/"))

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CredentialsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	session, err := h.auth.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		return err
	}

	http.SetCookie(w, core.CookieFromRequest(session, true, "/"))

	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

type GoogleSignInPayload struct {
	IDToken string `json:"idToken" validate:"required"`
}

func (h *AuthHandler) GoogleSignInHandler(w http.ResponseWriter, r *http.Request) error {
	var payload GoogleSignInPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewHTTPError(http.StatusBadRequest, "invalid input")
	}

	session, err := h.auth.LoginWithGoogle(r.Context(), payload.IDToken)
	if err != nil {
		return err
	}

	http.SetCookie(w, core.CookieFromRequest(session, true, "/"))

	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	h.auth.Logout(&session)
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}

type ProfilePayload struct {
	DisplayName string `json:"displayName" validate:"required"`
	PhotoURL    string `json:"photoURL"`
	About       string `json:"about"`
}

func (h *AuthHandler) SetupProfileHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	var payload ProfilePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewHTTPError(http.StatusBadRequest, "invalid input")
	}

	if err := h.auth.SetupProfile(r.Context(), &session, payload.DisplayName, payload.PhotoURL, payload.About); err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *AuthHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *AuthHandler) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) error {
	core.SessionFromRequest(r)

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAvatarSize))
	if err != nil {
		return fmt.Errorf("ReadAll: %w", err)
	}
	defer r.Body.Close()

	if len(data) == 0 {
		return router.NewHTTPError(http.StatusBadRequest, "empty body")
	}

	contentType := r.Header.Get("Content-Type")
	url, err := h.auth.UploadAvatar(r.Context(), data, contentType)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(map[string]string{"url": url}); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}
