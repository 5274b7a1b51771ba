package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when a token has no live session, either
// because it was never issued here, expired, or was revoked.
var ErrSessionNotFound = errors.New("session not found")

// Identity is the user record attached to a live session.
type Identity struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	IssuedAt time.Time `json:"issued_at"`
}

// SessionStore tracks tokens issued for gateway connections, keyed by token
// hash.
type SessionStore interface {
	Save(ctx context.Context, tokenHash string, identity Identity, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (Identity, error)
	Revoke(ctx context.Context, tokenHash string) error
}

// RedisSessionStore keeps sessions in Redis with a TTL.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore connects to Redis at redisURL and verifies the
// connection.
func NewRedisSessionStore(redisURL string) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisSessionStoreWithClient(client), nil
}

// NewRedisSessionStoreWithClient wraps an existing Redis client.
func NewRedisSessionStoreWithClient(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: "collab:session:"}
}

func (s *RedisSessionStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisSessionStore) Save(ctx context.Context, tokenHash string, identity Identity, ttl time.Duration) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Lookup(ctx context.Context, tokenHash string) (Identity, error) {
	data, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return Identity{}, ErrSessionNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}
	var identity Identity
	if err := json.Unmarshal([]byte(data), &identity); err != nil {
		return Identity{}, fmt.Errorf("decode session: %w", err)
	}
	return identity, nil
}

func (s *RedisSessionStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// MemorySessionStore is an in-process SessionStore for single-instance
// deployments and tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
}

type memorySession struct {
	identity  Identity
	expiresAt time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession)}
}

func (s *MemorySessionStore) Save(_ context.Context, tokenHash string, identity Identity, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memorySession{identity: identity, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Lookup(_ context.Context, tokenHash string) (Identity, error) {
	s.mu.RLock()
	sess, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	if !ok || time.Now().After(sess.expiresAt) {
		return Identity{}, ErrSessionNotFound
	}
	return sess.identity, nil
}

func (s *MemorySessionStore) Revoke(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

// Service binds token signing to a session store. The gateway authenticates
// connections through it; anything capable of authenticating users upstream
// issues sessions through it.
type Service struct {
	secret   []byte
	sessions SessionStore
	ttl      time.Duration
}

func NewService(secret []byte, sessions SessionStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: secret, sessions: sessions, ttl: ttl}
}

// IssueSession mints a bearer token for a user and registers it.
func (s *Service) IssueSession(ctx context.Context, userID, username string) (string, error) {
	claims := Claims{
		Sub:  userID,
		Name: username,
		JTI:  uuid.NewString(),
		Exp:  time.Now().Add(s.ttl).Unix(),
	}
	token, err := IssueToken(s.secret, claims)
	if err != nil {
		return "", err
	}
	identity := Identity{UserID: userID, Username: username, IssuedAt: time.Now()}
	if err := s.sessions.Save(ctx, HashToken(token), identity, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate verifies a presented token and confirms its session is live.
func (s *Service) Authenticate(ctx context.Context, token string) (Claims, error) {
	claims, err := ParseToken(s.secret, token)
	if err != nil {
		return Claims{}, err
	}
	if _, err := s.sessions.Lookup(ctx, HashToken(token)); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// RevokeSession invalidates a previously issued token.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, HashToken(token))
}
