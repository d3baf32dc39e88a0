package auth

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/storage"
)

// memoryStore is an in-memory UserStore counting its reads.
type memoryStore struct {
	mux          sync.Mutex
	users        map[string]storage.User
	sessions     map[string]storage.Session
	userReads    int
	sessionReads int
	failWith     error // Returned by every read when set.
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: map[string]storage.User{}, sessions: map[string]storage.Session{}}
}

func (m *memoryStore) GetUser(username string) (storage.User, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.userReads++
	if m.failWith != nil {
		return storage.User{}, m.failWith
	}
	user, found := m.users[username]
	if !found {
		return storage.User{}, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, username)
	}
	return user, nil
}

func (m *memoryStore) PutUser(user storage.User) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.users[user.Username] = user
	return nil
}

func (m *memoryStore) GetSession(token string) (storage.Session, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.sessionReads++
	if m.failWith != nil {
		return storage.Session{}, m.failWith
	}
	session, found := m.sessions[token]
	if !found {
		return storage.Session{}, storage.ErrKeyNotFound
	}
	return session, nil
}

func (m *memoryStore) PutSession(session storage.Session) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.sessions[session.Token] = session
	return nil
}

func (m *memoryStore) DeleteSession(token string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, found := m.sessions[token]; !found {
		return storage.ErrKeyNotFound
	}
	delete(m.sessions, token)
	return nil
}

type fixedClock struct {
	mux sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *memoryStore, *cache.TTLCache[any], *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	layer := cache.New[any](cache.Options{Name: t.Name(), Now: clock.Now})
	store := newMemoryStore()
	service := NewService(store, layer)
	service.now = clock.Now
	service.bcryptCost = bcrypt.MinCost
	return service, store, layer, clock
}

func TestService_LoginAndValidate(t *testing.T) {
	service, store, layer, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "alice", "secret", storage.RoleUser))

	session, err := service.Login(t.Context(), "alice", "secret", "10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, session.Token, 2*tokenBytes)
	assert.Equal(t, "alice", session.Username)
	assert.Equal(t, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC), session.ExpiresAt)

	for range 3 {
		user, validateErr := service.ValidateToken(t.Context(), session.Token)
		require.NoError(t, validateErr)
		assert.Equal(t, "alice", user.Username)
	}
	assert.Equal(t, 1, store.sessionReads, "Validated tokens must be served from the cache")
	verdict, found := layer.Get(tokenKey(session.Token))
	assert.True(t, found)
	assert.Equal(t, "alice", verdict, "Token verdicts name the user instead of holding its record")

	require.NoError(t, service.Logout(t.Context(), session.Token))
	_, err = service.ValidateToken(t.Context(), session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, service.Logout(t.Context(), session.Token), ErrInvalidToken)
}

func TestService_InvalidTokenIsCachedNegatively(t *testing.T) {
	service, store, layer, clock := newTestService(t)

	for range 3 {
		_, err := service.ValidateToken(t.Context(), "not-a-real-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, 1, store.sessionReads)

	verdict, found := layer.Get(tokenKey("not-a-real-token"))
	require.True(t, found, "The negative verdict is an entry, not an absence")
	assert.Equal(t, "", verdict)

	clock.Advance(time.Minute + time.Second)
	_, err := service.ValidateToken(t.Context(), "not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 2, store.sessionReads, "Negative verdicts expire after negative_token_ttl")

	_, err = service.ValidateToken(t.Context(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_StoreFailuresAreNotCached(t *testing.T) {
	service, store, layer, _ := newTestService(t)
	errDisk := errors.New("disk on fire")
	store.failWith = errDisk

	_, err := service.ValidateToken(t.Context(), "token-1234567890")
	assert.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, layer.Len())
}

func TestService_TokenVerdictNeverOutlivesSession(t *testing.T) {
	service, store, _, clock := newTestService(t)
	require.NoError(t, store.PutUser(storage.User{Username: "bob", Role: storage.RoleUser}))
	require.NoError(t, store.PutSession(storage.Session{Token: "short-lived-token", Username: "bob",
		ExpiresAt: clock.Now().Add(time.Minute)}))

	_, err := service.ValidateToken(t.Context(), "short-lived-token")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, store.DeleteSession("short-lived-token"))
	_, err = service.ValidateToken(t.Context(), "short-lived-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_GetUserIsCached(t *testing.T) {
	service, store, _, clock := newTestService(t)
	require.NoError(t, store.PutUser(storage.User{Username: "carol", Role: storage.RoleAdmin}))

	for range 2 {
		user, err := service.GetUser(t.Context(), "carol")
		require.NoError(t, err)
		assert.True(t, user.IsAdmin())
	}
	assert.Equal(t, 1, store.userReads)

	clock.Advance(31 * time.Minute)
	_, err := service.GetUser(t.Context(), "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, store.userReads)

	_, err = service.GetUser(t.Context(), "nobody")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestService_FailedAttempts(t *testing.T) {
	service, _, _, clock := newTestService(t)

	for attempt := 1; attempt <= 5; attempt++ {
		assert.False(t, service.TrackFailedAttempt("mallory"), "attempt %d", attempt)
		assert.False(t, service.IsLockedOut("mallory"))
	}
	assert.True(t, service.TrackFailedAttempt("mallory"), "The sixth attempt exceeds the threshold")
	assert.True(t, service.IsLockedOut("mallory"))
	assert.False(t, service.IsLockedOut("someone-else"))

	clock.Advance(16 * time.Minute)
	assert.False(t, service.IsLockedOut("mallory"), "The counter expires with the attempt window")

	for range 6 {
		service.TrackFailedAttempt("mallory")
	}
	require.True(t, service.IsLockedOut("mallory"))
	service.ClearFailedAttempts("mallory")
	assert.False(t, service.IsLockedOut("mallory"))
}

func TestService_LoginLockout(t *testing.T) {
	service, _, _, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "dave", "right", storage.RoleUser))

	for range 6 {
		_, err := service.Login(t.Context(), "dave", "wrong", "10.0.0.9")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := service.Login(t.Context(), "dave", "right", "10.0.0.9")
	assert.ErrorIs(t, err, ErrLockedOut, "Even the right password is refused while locked out")

	_, err = service.Login(t.Context(), "dave", "right", "10.0.0.10")
	assert.NoError(t, err, "Lockouts are scoped to the client")

	_, err = service.Login(t.Context(), "nobody", "whatever", "10.0.0.10")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_SuccessfulLoginClearsFailures(t *testing.T) {
	service, _, _, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "erin", "pw", storage.RoleUser))

	for range 3 {
		_, err := service.Login(t.Context(), "erin", "bad", "client")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := service.Login(t.Context(), "erin", "pw", "client")
	require.NoError(t, err)
	assert.Zero(t, service.failedAttempts(attemptID("erin", "client")))
}

func TestService_Bootstrap(t *testing.T) {
	service, store, _, _ := newTestService(t)

	require.NoError(t, service.Bootstrap(t.Context(), "admin", "first"))
	admin, err := store.GetUser("admin")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())
	assert.NoError(t, bcrypt.CompareHashAndPassword(admin.PasswordHash, []byte("first")))

	require.NoError(t, service.Bootstrap(t.Context(), "admin", "second"))
	admin, err = store.GetUser("admin")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword(admin.PasswordHash, []byte("first")),
		"An existing admin is left untouched")

	assert.Error(t, service.CreateUser(t.Context(), "", "pw", storage.RoleUser))
}

func TestService_CreateUserRefreshesCachedUser(t *testing.T) {
	service, _, _, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "frank", "old", storage.RoleUser))
	_, err := service.Login(t.Context(), "frank", "old", "client")
	require.NoError(t, err)

	require.NoError(t, service.CreateUser(t.Context(), "frank", "new", storage.RoleUser))
	_, err = service.Login(t.Context(), "frank", "new", "client")
	assert.NoError(t, err)
}

func TestService_ReplacedUserAppliesToCachedTokens(t *testing.T) {
	service, store, _, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "hank", "pw", storage.RoleAdmin))
	session, err := service.Login(t.Context(), "hank", "pw", "client")
	require.NoError(t, err)

	user, err := service.ValidateToken(t.Context(), session.Token)
	require.NoError(t, err)
	require.True(t, user.IsAdmin())

	require.NoError(t, service.CreateUser(t.Context(), "hank", "pw", storage.RoleUser))
	user, err = service.ValidateToken(t.Context(), session.Token)
	require.NoError(t, err)
	assert.False(t, user.IsAdmin(), "A demoted user must lose admin rights on the next request")
	assert.Equal(t, 1, store.sessionReads, "The token verdict itself stays cached")

	store.mux.Lock()
	delete(store.users, "hank")
	store.mux.Unlock()
	service.cache.Delete(userKey("hank"))
	_, err = service.ValidateToken(t.Context(), session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken, "A token of a removed user is invalid")
}

func TestService_CallersGetIndependentUsers(t *testing.T) {
	service, _, _, _ := newTestService(t)
	require.NoError(t, service.CreateUser(t.Context(), "ivy", "pw", storage.RoleUser))
	session, err := service.Login(t.Context(), "ivy", "pw", "client")
	require.NoError(t, err)

	first, err := service.ValidateToken(t.Context(), session.Token)
	require.NoError(t, err)
	first.Role = storage.RoleAdmin
	first.PasswordHash[0] ^= 0xff

	second, err := service.ValidateToken(t.Context(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, storage.RoleUser, second.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword(second.PasswordHash, []byte("pw")))

	fromGetUser, err := service.GetUser(t.Context(), "ivy")
	require.NoError(t, err)
	assert.NotSame(t, second, fromGetUser)
	assert.Equal(t, *second, *fromGetUser)
}

func TestService_ExpiredSessionIsInvalid(t *testing.T) {
	service, store, layer, clock := newTestService(t)
	require.NoError(t, store.PutUser(storage.User{Username: "gina", Role: storage.RoleUser}))
	require.NoError(t, store.PutSession(storage.Session{Token: "stale-session-token", Username: "gina",
		ExpiresAt: clock.Now().Add(-time.Second)}))

	_, err := service.ValidateToken(t.Context(), "stale-session-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	verdict, found := layer.Get(tokenKey("stale-session-token"))
	require.True(t, found)
	assert.Equal(t, "", verdict)
}
