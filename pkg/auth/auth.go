// Package auth authenticates memo's API callers with bearer session tokens. Every request carries a token, so token
// verdicts, user records and failed login counters all live in the shared cache:
//   - auth:token:<token>  -> string, the owning username; "" is a known-invalid token (a cached negative result).
//   - auth:user:<name>    -> storage.User.
//   - auth:failed:<id>    -> int, failed login attempts within the attempt window.
//
// A token verdict names its user instead of holding the record, so replacing a user takes effect on the next
// request of every session it owns. Callers always get their own copy of a user.

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/storage"
	"github.com/nobletooth/memo/pkg/utils"
)

var (
	tokenCacheTTL = flag.Duration("token_cache_ttl", 15*time.Minute,
		"How long a validated token is trusted without consulting the store.")
	negativeTokenTTL = flag.Duration("negative_token_ttl", time.Minute,
		"How long an invalid token is remembered as invalid.")
	userCacheTTL = flag.Duration("user_cache_ttl", 30*time.Minute,
		"Lifetime of cached user records.")
	failedTTL = flag.Duration("failed_attempts_ttl", 15*time.Minute,
		"Window in which failed login attempts are counted; the counter restarts after it.")
	maxFailedAttempts = flag.Int("max_failed_attempts", 5,
		"A client is locked out once its failed login attempts exceed this number.")
	sessionTTL = flag.Duration("session_ttl", 24*time.Hour, "Lifetime of a session token issued on login.")
	bcryptCost = flag.Int("bcrypt_cost", bcrypt.DefaultCost, "The bcrypt cost of stored password hashes.")
)

const (
	tokenKeyPrefix  = "auth:token:"
	userKeyPrefix   = "auth:user:"
	failedKeyPrefix = "auth:failed:"
	tokenBytes      = 32
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrLockedOut          = errors.New("too many failed login attempts")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the persistent side of auth; storage.Store implements it.
type UserStore interface {
	GetUser(username string) (storage.User, error)
	PutUser(user storage.User) error
	GetSession(token string) (storage.Session, error)
	PutSession(session storage.Session) error
	DeleteSession(token string) error
}

var _ UserStore = (*storage.Store)(nil)

// Service validates tokens and logs users in and out.
type Service struct {
	store UserStore
	cache cache.Layer[any]
	now   func() time.Time

	tokenTTL, negativeTTL, userTTL time.Duration
	failedTTL, sessionTTL          time.Duration
	maxFailed, bcryptCost          int

	failedMux sync.Mutex // Serializes the read-modify-write of failed attempt counters.
}

// NewService returns a Service configured through flags.
func NewService(store UserStore, layer cache.Layer[any]) *Service {
	return &Service{
		store:       store,
		cache:       layer,
		now:         time.Now,
		tokenTTL:    *tokenCacheTTL,
		negativeTTL: *negativeTokenTTL,
		userTTL:     *userCacheTTL,
		failedTTL:   *failedTTL,
		sessionTTL:  *sessionTTL,
		maxFailed:   *maxFailedAttempts,
		bcryptCost:  *bcryptCost,
	}
}

func tokenKey(token string) string { return tokenKeyPrefix + cache.EscapeKeySegment(token) }
func userKey(username string) string { return userKeyPrefix + cache.EscapeKeySegment(username) }
func failedKey(id string) string { return failedKeyPrefix + cache.EscapeKeySegment(id) }

// tokenPrefix keeps log lines from carrying usable tokens.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}

// ValidateToken returns the user owning `token`. Verdicts are cached both ways: valid tokens until the earlier of
// token_cache_ttl and the session expiry, invalid ones for negative_token_ttl. Store failures are returned as is
// and leave no verdict behind.
func (s *Service) ValidateToken(ctx context.Context, token string) (*storage.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	key := tokenKey(token)
	if cached, found := s.cache.Get(key); found {
		username, ok := cached.(string)
		switch {
		case !ok:
			utils.RaiseInvariant("auth", "token_type_mismatch", "Cached token verdict has an unexpected type.",
				"type", fmt.Sprintf("%T", cached))
			s.cache.Delete(key)
		case username == "":
			return nil, ErrInvalidToken
		default:
			return s.userOfToken(ctx, key, token, username)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(token)
	if err == nil && session.Expired(s.now()) {
		err = storage.ErrKeyNotFound
	}
	if errors.Is(err, storage.ErrKeyNotFound) {
		s.rememberInvalidToken(key, token)
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	user, err := s.userOfToken(ctx, key, token, session.Username)
	if err != nil {
		return nil, err
	}

	ttl := s.tokenTTL
	if untilExpiry := session.ExpiresAt.Sub(s.now()); !session.ExpiresAt.IsZero() && untilExpiry < ttl {
		ttl = untilExpiry
	}
	if ttl > 0 {
		s.cache.Set(key, user.Username, ttl)
	}
	slog.Debug("Token validated.", "token", tokenPrefix(token), "username", user.Username, "ttl", ttl)
	return user, nil
}

// userOfToken resolves the owner of a token; a user that no longer exists invalidates the token.
func (s *Service) userOfToken(ctx context.Context, key, token, username string) (*storage.User, error) {
	user, err := s.GetUser(ctx, username)
	if errors.Is(err, storage.ErrKeyNotFound) {
		s.rememberInvalidToken(key, token)
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) rememberInvalidToken(key, token string) {
	s.cache.Set(key, "", s.negativeTTL)
	slog.Debug("Invalid token remembered.", "token", tokenPrefix(token), "ttl", s.negativeTTL)
}

// GetUser returns a copy of the user record of `username`, going to the store only on a cache miss. A missing
// user is reported with storage.ErrKeyNotFound and is not cached.
func (s *Service) GetUser(ctx context.Context, username string) (*storage.User, error) {
	key := userKey(username)
	if cached, found := s.cache.Get(key); found {
		if user, ok := cached.(storage.User); ok {
			return copyUser(user), nil
		}
		utils.RaiseInvariant("auth", "user_type_mismatch", "Cached user has an unexpected type.",
			"type", fmt.Sprintf("%T", cached))
		s.cache.Delete(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(username)
	if err != nil {
		return nil, fmt.Errorf("failed to read user %s: %w", username, err)
	}
	s.cache.Set(key, user, s.userTTL)
	return copyUser(user), nil
}

// copyUser detaches a user from the cached record, including its password hash.
func copyUser(user storage.User) *storage.User {
	user.PasswordHash = slices.Clone(user.PasswordHash)
	return &user
}

// TrackFailedAttempt counts a failed login of `id` and reports whether the threshold is now exceeded.
func (s *Service) TrackFailedAttempt(id string) bool {
	s.failedMux.Lock()
	defer s.failedMux.Unlock()
	attempts := s.failedAttempts(id) + 1
	s.cache.Set(failedKey(id), attempts, s.failedTTL)
	slog.Warn("Failed login attempt.", "client", id, "attempts", attempts)
	return attempts > s.maxFailed
}

// IsLockedOut reports whether `id` exceeded the failed attempt threshold within the attempt window.
func (s *Service) IsLockedOut(id string) bool {
	s.failedMux.Lock()
	defer s.failedMux.Unlock()
	return s.failedAttempts(id) > s.maxFailed
}

// ClearFailedAttempts resets the counter of `id`.
func (s *Service) ClearFailedAttempts(id string) {
	s.failedMux.Lock()
	defer s.failedMux.Unlock()
	s.cache.Delete(failedKey(id))
}

// failedAttempts must be called with failedMux held.
func (s *Service) failedAttempts(id string) int {
	cached, found := s.cache.Get(failedKey(id))
	if !found {
		return 0
	}
	attempts, ok := cached.(int)
	if !ok {
		utils.RaiseInvariant("auth", "attempts_type_mismatch", "Cached failed attempts have an unexpected type.",
			"type", fmt.Sprintf("%T", cached))
		return 0
	}
	return attempts
}

// attemptID identifies a login source; lockouts apply per user and client pair.
func attemptID(username, clientID string) string {
	return username + "@" + clientID
}

// Login checks the credentials of `username` and issues a new session. `clientID` (usually the client IP) scopes
// the failed attempt counter.
func (s *Service) Login(ctx context.Context, username, password, clientID string) (storage.Session, error) {
	id := attemptID(username, clientID)
	if s.IsLockedOut(id) {
		slog.Warn("Login refused for locked out client.", "client", id)
		return storage.Session{}, ErrLockedOut
	}
	user, err := s.GetUser(ctx, username)
	if errors.Is(err, storage.ErrKeyNotFound) {
		s.TrackFailedAttempt(id)
		return storage.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return storage.Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		s.TrackFailedAttempt(id)
		return storage.Session{}, ErrInvalidCredentials
	}
	s.ClearFailedAttempts(id)

	token, err := newToken()
	if err != nil {
		return storage.Session{}, err
	}
	session := storage.Session{Token: token, Username: user.Username, ExpiresAt: s.now().Add(s.sessionTTL).UTC()}
	if err := s.store.PutSession(session); err != nil {
		return storage.Session{}, fmt.Errorf("failed to store session: %w", err)
	}
	slog.Info("User logged in.", "username", user.Username, "client", clientID)
	return session, nil
}

// Logout ends the session of `token` and drops its cached verdict.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.Delete(tokenKey(token))
	if err := s.store.DeleteSession(token); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("User logged out.", "token", tokenPrefix(token))
	return nil
}

// CreateUser stores a user with a bcrypt hash of `password`, replacing an existing one with the same name. Sessions
// of a replaced user see the new record on their next validation.
func (s *Service) CreateUser(ctx context.Context, username, password, role string) error {
	if username == "" || password == "" {
		return errors.New("expected a non-empty username and password")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user := storage.User{Username: username, PasswordHash: hash, Role: role, CreatedAt: s.now().UTC()}
	if err := s.store.PutUser(user); err != nil {
		return fmt.Errorf("failed to store user %s: %w", username, err)
	}
	s.cache.Delete(userKey(username))
	return nil
}

// Bootstrap creates the admin account `username` unless it already exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	_, err := s.store.GetUser(username)
	if err == nil {
		slog.Debug("Admin user already exists.", "username", username)
		return nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("failed to look up admin user: %w", err)
	}
	if err := s.CreateUser(ctx, username, password, storage.RoleAdmin); err != nil {
		return err
	}
	slog.Info("Admin user created.", "username", username)
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
