package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Status is a user's presence flag. It is written best-effort on sign-in,
// sign-out and page lifecycle events; there is no heartbeat.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const minPasswordLength = 6

// UserProfile is the public profile record at users/{id}. It is created on
// first profile setup after registration and never hard-deleted.
type UserProfile struct {
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoURL"`
	About        string `json:"about,omitempty"`
	Status       Status `json:"status"`
	Email        string `json:"email"`
	CreatedAt    string `json:"createdAt,omitempty"`
	LastActiveAt string `json:"lastActiveAt,omitempty"`
}

// account is the credential record at auth/accounts/{id}. Federated accounts
// carry no password hash.
type account struct {
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash,omitempty"`
	Provider     string `json:"provider"`
	CreatedAt    string `json:"createdAt"`
}

// Session is a signed-in identity plus its denormalized display fields.
// IsNewUser is true until SetupProfile writes the profile record.
type Session struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	PhotoURL    string    `json:"photoURL"`
	About       string    `json:"about,omitempty"`
	Status      Status    `json:"status"`
	IsNewUser   bool      `json:"isNewUser"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// FederatedIdentity is a verified identity assertion from an external
// provider.
type FederatedIdentity struct {
	Subject     string
	Email       string
	DisplayName string
	PhotoURL    string
}

type FederatedVerifier interface {
	Verify(ctx context.Context, idToken string) (*FederatedIdentity, error)
}

// Auth manages accounts, profiles and sessions on top of the tree store.
type Auth struct {
	store    Store
	blobs    BlobStore
	tasks    *TaskRunner
	verifier FederatedVerifier
	secret   []byte
	tokenTTL time.Duration
	logger   *slog.Logger
}

type AuthOption func(*Auth)

func WithTokenTTL(ttl time.Duration) AuthOption {
	return func(a *Auth) {
		a.tokenTTL = ttl
	}
}

func WithFederatedVerifier(v FederatedVerifier) AuthOption {
	return func(a *Auth) {
		a.verifier = v
	}
}

func NewAuth(store Store, blobs BlobStore, tasks *TaskRunner, logger *slog.Logger, secret []byte, opts ...AuthOption) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auth{
		store:    store,
		blobs:    blobs,
		tasks:    tasks,
		secret:   secret,
		tokenTTL: 24 * time.Hour,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register creates a new identity. The returned session is marked new;
// the caller is expected to complete profile setup.
func (a *Auth) Register(ctx context.Context, email, password string) (*Session, error) {
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	indexPath := emailIndexPath(email)
	existing, err := a.store.Get(ctx, indexPath)
	if err != nil {
		return nil, fmt.Errorf("Get(email index): %w", err)
	}
	if existing.Exists() {
		return nil, ErrEmailInUse
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	uid := uuid.New().String()
	acc := account{
		Email:        strings.ToLower(email),
		PasswordHash: string(hashed),
		Provider:     "password",
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.store.Set(ctx, accountPath(uid), acc); err != nil {
		return nil, fmt.Errorf("Set(account): %w", err)
	}
	if err := a.store.Set(ctx, indexPath, uid); err != nil {
		return nil, fmt.Errorf("Set(email index): %w", err)
	}

	return a.newSession(uid, acc.Email, nil)
}

// Login establishes a session for an existing identity.
func (a *Auth) Login(ctx context.Context, email, password string) (*Session, error) {
	uid, acc, err := a.lookupAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	if acc.PasswordHash == "" {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}

	profile, err := a.loadProfile(ctx, uid)
	if err != nil {
		return nil, err
	}
	return a.newSession(uid, acc.Email, profile)
}

// LoginWithGoogle signs in a federated identity. The first sign-in for an
// identity creates its account and yields a session marked new, identically
// to Register.
func (a *Auth) LoginWithGoogle(ctx context.Context, idToken string) (*Session, error) {
	if a.verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured", ErrFederatedSignIn)
	}
	identity, err := a.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedSignIn, err)
	}

	indexPath := emailIndexPath(identity.Email)
	snap, err := a.store.Get(ctx, indexPath)
	if err != nil {
		return nil, fmt.Errorf("Get(email index): %w", err)
	}

	var uid string
	if snap.Exists() {
		if err := snap.Decode(&uid); err != nil {
			return nil, fmt.Errorf("decode email index: %w", err)
		}
	} else {
		uid = identity.Subject
		if uid == "" {
			uid = uuid.New().String()
		}
		acc := account{
			Email:     strings.ToLower(identity.Email),
			Provider:  "google",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := a.store.Set(ctx, accountPath(uid), acc); err != nil {
			return nil, fmt.Errorf("Set(account): %w", err)
		}
		if err := a.store.Set(ctx, indexPath, uid); err != nil {
			return nil, fmt.Errorf("Set(email index): %w", err)
		}
	}

	profile, err := a.loadProfile(ctx, uid)
	if err != nil {
		return nil, err
	}
	session, err := a.newSession(uid, strings.ToLower(identity.Email), profile)
	if err != nil {
		return nil, err
	}
	if session.DisplayName == "" {
		session.DisplayName = identity.DisplayName
	}
	if session.PhotoURL == "" {
		session.PhotoURL = identity.PhotoURL
	}
	return session, nil
}

// Logout marks the user offline best-effort and invalidates nothing
// server-side; the token simply expires. The status write is queued and
// never awaited.
func (a *Auth) Logout(session *Session) {
	if session == nil || session.UID == "" {
		return
	}
	a.UpdateStatus(session, StatusOffline)
}

// ResumeSession rebuilds a session from a previously issued token.
func (a *Auth) ResumeSession(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	profile, err := a.loadProfile(ctx, claims.UID)
	if err != nil {
		return nil, err
	}

	session := sessionFromProfile(claims.UID, claims.Email, profile)
	session.Token = token
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// SetupProfile writes (or overwrites) the profile record and updates the
// session's display fields, clearing the new-user flag.
func (a *Auth) SetupProfile(ctx context.Context, session *Session, displayName, photoURL, about string) error {
	if session == nil || session.UID == "" {
		return ErrUnauthenticated
	}

	profile := UserProfile{
		DisplayName: displayName,
		PhotoURL:    photoURL,
		About:       about,
		Status:      StatusOnline,
		Email:       session.Email,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.store.Set(ctx, userPath(session.UID), profile); err != nil {
		return fmt.Errorf("Set(profile): %w", err)
	}

	session.DisplayName = displayName
	session.PhotoURL = photoURL
	session.About = about
	session.Status = StatusOnline
	session.IsNewUser = false
	return nil
}

// UpdateStatus overwrites the status field only. The write is queued
// best-effort: failures are logged by the runner, never surfaced.
func (a *Auth) UpdateStatus(session *Session, status Status) {
	if session == nil || session.UID == "" {
		a.logger.Warn("status update without a session")
		return
	}
	uid := session.UID
	session.Status = status
	a.tasks.Submit("status update", func(ctx context.Context) error {
		return a.store.Update(ctx, userPath(uid), map[string]any{
			"status":       status,
			"lastActiveAt": time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// UploadAvatar stores a profile photo and returns its URL reference.
func (a *Auth) UploadAvatar(ctx context.Context, data []byte, contentType string) (string, error) {
	return a.blobs.Put(ctx, JoinPath("avatars", uuid.New().String()), contentType, data)
}

func (a *Auth) lookupAccount(ctx context.Context, email string) (string, *account, error) {
	snap, err := a.store.Get(ctx, emailIndexPath(email))
	if err != nil {
		return "", nil, fmt.Errorf("Get(email index): %w", err)
	}
	if !snap.Exists() {
		return "", nil, ErrBadCredentials
	}
	var uid string
	if err := snap.Decode(&uid); err != nil {
		return "", nil, fmt.Errorf("decode email index: %w", err)
	}

	accSnap, err := a.store.Get(ctx, accountPath(uid))
	if err != nil {
		return "", nil, fmt.Errorf("Get(account): %w", err)
	}
	if !accSnap.Exists() {
		return "", nil, ErrBadCredentials
	}
	acc := new(account)
	if err := accSnap.Decode(acc); err != nil {
		return "", nil, fmt.Errorf("decode account: %w", err)
	}
	return uid, acc, nil
}

func (a *Auth) loadProfile(ctx context.Context, uid string) (*UserProfile, error) {
	snap, err := a.store.Get(ctx, userPath(uid))
	if err != nil {
		return nil, fmt.Errorf("Get(profile): %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	profile := new(UserProfile)
	if err := snap.Decode(profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (a *Auth) newSession(uid, email string, profile *UserProfile) (*Session, error) {
	token, expiresAt, err := NewToken(uid, email, a.tokenTTL, a.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}
	session := sessionFromProfile(uid, email, profile)
	session.Token = token
	session.ExpiresAt = expiresAt
	return session, nil
}

func sessionFromProfile(uid, email string, profile *UserProfile) *Session {
	session := &Session{
		UID:       uid,
		Email:     email,
		Status:    StatusOnline,
		IsNewUser: profile == nil,
	}
	if profile != nil {
		session.DisplayName = profile.DisplayName
		session.PhotoURL = profile.PhotoURL
		session.About = profile.About
		if profile.Status != "" {
			session.Status = profile.Status
		}
	}
	return session
}

func userPath(uid string) string {
	return JoinPath("users", uid)
}

func accountPath(uid string) string {
	return JoinPath("auth", "accounts", uid)
}

// emailIndexPath maps an email to its index node. Emails are encoded since
// they are not safe as raw path segments.
func emailIndexPath(email string) string {
	key := base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(email)))
	return JoinPath("auth", "emails", key)
}
