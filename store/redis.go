package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/redis/go-redis/v9"
)

// Redis stores the credential record under "<prefix>:<key>" keys.
// Multi-key writes and ClearAll run in MULTI/EXEC so readers never see a partial record.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// compile-time check
var _ rideid.CredentialStore = (*Redis)(nil)

// NewRedis creates a Redis-backed store. prefix namespaces the keys per device
// or per profile; an empty prefix defaults to "rideid".
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "rideid"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// NewRedisFromURL parses url, verifies connectivity and returns a store.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("rideid/store: redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rideid/store: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rideid/store: ping redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) key(name string) string { return r.prefix + ":" + name }

func (r *Redis) get(ctx context.Context, name string) (string, error) {
	v, err := r.rdb.Get(ctx, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("rideid/store: get %s: %w", name, err)
	}
	return v, nil
}

func (r *Redis) set(ctx context.Context, name, value string) error {
	if err := r.rdb.Set(ctx, r.key(name), value, 0).Err(); err != nil {
		return fmt.Errorf("rideid/store: set %s: %w", name, err)
	}
	return nil
}

func (r *Redis) SetTokens(ctx context.Context, accessToken, refreshToken string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(KeyAccessToken), accessToken, 0)
		p.Set(ctx, r.key(KeyRefreshToken), refreshToken, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rideid/store: set tokens: %w", err)
	}
	return nil
}

func (r *Redis) AccessToken(ctx context.Context) (string, error) {
	return r.get(ctx, KeyAccessToken)
}

func (r *Redis) SetAccessToken(ctx context.Context, token string) error {
	return r.set(ctx, KeyAccessToken, token)
}

func (r *Redis) RefreshToken(ctx context.Context) (string, error) {
	return r.get(ctx, KeyRefreshToken)
}

func (r *Redis) User(ctx context.Context) (*rideid.User, error) {
	raw, err := r.get(ctx, KeyUserData)
	if err != nil || raw == "" {
		return nil, err
	}
	var u rideid.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		// A corrupt snapshot reads as absent.
		return nil, nil
	}
	return &u, nil
}

func (r *Redis) SetUser(ctx context.Context, u rideid.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("rideid/store: encode user: %w", err)
	}
	return r.set(ctx, KeyUserData, string(data))
}

func (r *Redis) KYCStatus(ctx context.Context) (rideid.VerificationState, error) {
	v, err := r.get(ctx, KeyKYCStatus)
	return rideid.VerificationState(v), err
}

func (r *Redis) SetKYCStatus(ctx context.Context, s rideid.VerificationState) error {
	return r.set(ctx, KeyKYCStatus, string(s))
}

func (r *Redis) SaveSession(ctx context.Context, s rideid.Session) error {
	data, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("rideid/store: encode user: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(KeyAccessToken), s.AccessToken, 0)
		p.Set(ctx, r.key(KeyRefreshToken), s.RefreshToken, 0)
		p.Set(ctx, r.key(KeyUserData), string(data), 0)
		if s.User.KYCStatus != "" {
			p.Set(ctx, r.key(KeyKYCStatus), string(s.User.KYCStatus), 0)
		} else {
			p.Del(ctx, r.key(KeyKYCStatus))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rideid/store: save session: %w", err)
	}
	return nil
}

func (r *Redis) ClearAll(ctx context.Context) error {
	keys := make([]string, len(Keys))
	for i, k := range Keys {
		keys[i] = r.key(k)
	}
	// A single DEL is atomic.
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("rideid/store: clear: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
