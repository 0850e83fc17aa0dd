package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/mooose/corrector/pkg/db"
)

const (
	sessionTokenBytes = 32
	sessionTTL        = 7 * 24 * time.Hour

	minPasswordLength = 8
)

// RegisterRequest carries the fields accepted at signup.
type RegisterRequest struct {
	Email             string
	Password          string
	DisplayName       string
	SignupIP          string
	DeviceFingerprint string
}

// LoginRequest carries the fields accepted at login.
type LoginRequest struct {
	Email     string
	Password  string
	UserAgent string
	IPAddress string
}

// LoginResult returns the raw bearer token exactly once.
type LoginResult struct {
	User      *User
	RawToken  string
	ExpiresAt time.Time
}

type Service struct {
	log         *zap.Logger
	repo        Repository
	sessionRepo SessionRepository
	genID       *snowflake.Node
}

func NewService(log *zap.Logger, repo Repository, sessionRepo SessionRepository, genID *snowflake.Node) *Service {
	return &Service{
		log:         log.Named("auth.service"),
		repo:        repo,
		sessionRepo: sessionRepo,
		genID:       genID,
	}
}

// Register creates a new account with zero credits and no free usage.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if len(strings.TrimSpace(req.Password)) < minPasswordLength {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = defaultDisplayName(email)
	}

	zero := 0
	user := &User{
		ID:                s.genID.Generate(),
		Email:             email,
		DisplayName:       displayName,
		PasswordHash:      hashed,
		Credits:           &zero,
		SignupIP:          strings.TrimSpace(req.SignupIP),
		DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	return user, nil
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if strings.TrimSpace(req.Password) == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !VerifyPassword(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	rawToken, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:               s.genID.Generate(),
		UserID:           user.ID,
		SessionTokenHash: HashToken(rawToken),
		UserAgent:        strings.TrimSpace(req.UserAgent),
		IPAddress:        strings.TrimSpace(req.IPAddress),
		ExpiresAt:        now.Add(sessionTTL),
		CreatedAt:        now,
		LastSeenAt:       now,
	}
	if err := s.sessionRepo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	return &LoginResult{
		User:      user,
		RawToken:  rawToken,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Authenticate resolves a raw bearer token to an active session.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*Session, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, ErrInvalidSession
	}

	session, err := s.sessionRepo.GetSessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}

	now := time.Now().UTC()
	if session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if now.After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	if err := s.sessionRepo.UpdateLastSeen(ctx, session.ID, now); err != nil {
		return nil, err
	}

	return session, nil
}

// Logout revokes the session behind the raw token.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return ErrInvalidSession
	}

	session, err := s.sessionRepo.GetSessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrInvalidSession
		}
		return err
	}

	return s.sessionRepo.RevokeSession(ctx, session.ID, time.Now().UTC())
}

// MarkVerified flips the email verification flag.
func (s *Service) MarkVerified(ctx context.Context, userID snowflake.ID) error {
	return s.repo.UpdateFields(ctx, userID, map[string]any{
		"is_verified": true,
		"updated_at":  time.Now().UTC(),
	})
}

// GetUser loads an account by id.
func (s *Service) GetUser(ctx context.Context, userID snowflake.ID) (*User, error) {
	return s.repo.FindByID(ctx, userID)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrInvalidCredentials
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidCredentials
	}
	return email, nil
}

func defaultDisplayName(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken derives the stored lookup key for a raw session token.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
