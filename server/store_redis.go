package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key types for the redis store.
const (
	KeyTypeSession     = "session"
	KeyTypeAuthRequest = "authreq"
	KeyTypeCode        = "code"
	KeyTypeRefresh     = "refresh"
	KeyTypeUser        = "user"
)

// RedisStore keeps identity provider state in redis so several instances can
// share codes, sessions and refresh tokens.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore wraps an existing client. The store owns the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// redisCode is the wire form of an authorization code. Times are unix seconds
// so the consume script can compare them.
type redisCode struct {
	AuthorizationCode
	ExpiresAtUnix int64 `json:"expires_at_unix"`
}

// consumeCodeScript marks a code consumed if it is live and its binding matches.
// KEYS[1] code key; ARGV[1] client_id; ARGV[2] redirect_uri; ARGV[3] now (unix).
// Returns the stored record on success, or a status string naming the failed check.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return {0, 'unknown code'}
end
local code = cjson.decode(data)
if code.consumed then
	return {0, 'already consumed'}
end
if tonumber(code.expires_at_unix) <= tonumber(ARGV[3]) then
	return {0, 'expired'}
end
if code.client_id ~= ARGV[1] then
	return {0, 'client mismatch'}
end
if code.redirect_uri ~= ARGV[2] then
	return {0, 'redirect_uri mismatch'}
end
code.consumed = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(code), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(code))
end
return {1, data}
`)

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// SaveSession stores or replaces a session until its expiry.
func (s *RedisStore) SaveSession(ctx context.Context, sess Session) error {
	return s.setJSON(ctx, redisKey(s.keyPrefix, KeyTypeSession, sess.ID), sess, sess.ExpiresAt)
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.getJSON(ctx, redisKey(s.keyPrefix, KeyTypeSession, id), &sess)
	return sess, err
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.del(ctx, redisKey(s.keyPrefix, KeyTypeSession, id))
}

// SaveAuthRequest parks an authorize request.
func (s *RedisStore) SaveAuthRequest(ctx context.Context, req AuthRequest) error {
	return s.setJSON(ctx, redisKey(s.keyPrefix, KeyTypeAuthRequest, req.ID), req, req.CreatedAt.Add(DefaultAuthRequestTTL))
}

// GetAuthRequest retrieves a parked authorize request.
func (s *RedisStore) GetAuthRequest(ctx context.Context, id string) (AuthRequest, error) {
	var req AuthRequest
	err := s.getJSON(ctx, redisKey(s.keyPrefix, KeyTypeAuthRequest, id), &req)
	return req, err
}

// DeleteAuthRequest drops a parked authorize request.
func (s *RedisStore) DeleteAuthRequest(ctx context.Context, id string) error {
	return s.del(ctx, redisKey(s.keyPrefix, KeyTypeAuthRequest, id))
}

// SaveAuthCode persists an authorization code until its expiry.
func (s *RedisStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	rec := redisCode{AuthorizationCode: code, ExpiresAtUnix: code.ExpiresAt.Unix()}
	return s.setJSON(ctx, redisKey(s.keyPrefix, KeyTypeCode, code.Code), rec, code.ExpiresAt)
}

// ConsumeAuthCode runs the check-and-mark as a single server-side script, so
// concurrent redemptions across instances see exactly one success.
func (s *RedisStore) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string) (AuthorizationCode, error) {
	key := redisKey(s.keyPrefix, KeyTypeCode, code)
	res, err := consumeCodeScript.Run(ctx, s.client, []string{key}, clientID, redirectURI, s.now().Unix()).Slice()
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("consume code: %w", err)
	}
	if len(res) != 2 {
		return AuthorizationCode{}, fmt.Errorf("consume code: unexpected script reply %v", res)
	}
	ok, _ := res[0].(int64)
	payload, _ := res[1].(string)
	if ok != 1 {
		return AuthorizationCode{}, fmt.Errorf("%w: %s", ErrCodeExpiredOrConsumed, payload)
	}

	var rec redisCode
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return AuthorizationCode{}, fmt.Errorf("unmarshal code: %w", err)
	}
	auth := rec.AuthorizationCode
	auth.Consumed = true
	return auth, nil
}

// SaveRefreshToken stores a refresh token until its expiry.
func (s *RedisStore) SaveRefreshToken(ctx context.Context, rt RefreshToken) error {
	return s.setJSON(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, rt.ID), rt, rt.ExpiresAt)
}

// GetRefreshToken fetches a refresh token by ID.
func (s *RedisStore) GetRefreshToken(ctx context.Context, id string) (RefreshToken, error) {
	var rt RefreshToken
	err := s.getJSON(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id), &rt)
	return rt, err
}

// TakeRefreshToken removes and returns a refresh token with GETDEL.
func (s *RedisStore) TakeRefreshToken(ctx context.Context, id string) (RefreshToken, error) {
	data, err := s.client.GetDel(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("redis getdel: %w", err)
	}
	var rt RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return RefreshToken{}, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return rt, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, id string) error {
	return s.del(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id))
}

// SaveUser records an external user without expiry.
func (s *RedisStore) SaveUser(ctx context.Context, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeUser, u.Subject), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// GetUser returns a recorded external user.
func (s *RedisStore) GetUser(ctx context.Context, subject string) (User, error) {
	var u User
	err := s.getJSON(ctx, redisKey(s.keyPrefix, KeyTypeUser, subject), &u)
	return u, err
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
