package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/redis/go-redis/v9"
)

// UserResolver resolves a user id to a user. Unknown users and id 0 resolve to nil.
type UserResolver interface {
	Resolve(ctx context.Context, id int64) (*domain.User, error)
}

// UserServiceClient resolves users through the user service
type UserServiceClient struct {
	doer    Doer
	baseURL string
	logger  *slog.Logger
}

// NewUserServiceClient creates a new UserServiceClient
func NewUserServiceClient(doer Doer, baseURL string, logger *slog.Logger) *UserServiceClient {
	return &UserServiceClient{
		doer:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

func (c *UserServiceClient) Resolve(ctx context.Context, id int64) (*domain.User, error) {
	if id == 0 {
		return nil, nil
	}

	resp, err := c.doer.Do(ctx, http.MethodGet, c.baseURL+"/api/v1/users/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		c.logger.Error("Failed to get user",
			slog.Int64("user_id", id),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to get user %d: unexpected status %d", id, resp.StatusCode)
	}

	var record UserRecord
	if err := json.Unmarshal(resp.Body, &record); err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", id, err)
	}
	return &domain.User{
		ID:          record.ID,
		Username:    record.Username,
		DisplayName: record.DisplayName,
	}, nil
}

// CachedUserResolver serves users from Redis and falls back to the next
// resolver on a miss. Redis failures are logged and never fail a lookup.
type CachedUserResolver struct {
	next   UserResolver
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedUserResolver creates a new CachedUserResolver
func NewCachedUserResolver(next UserResolver, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedUserResolver {
	return &CachedUserResolver{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *CachedUserResolver) Resolve(ctx context.Context, id int64) (*domain.User, error) {
	if id == 0 {
		return nil, nil
	}

	key := userKey(id)
	data, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var user domain.User
		if err := json.Unmarshal(data, &user); err == nil {
			return &user, nil
		}
		r.logger.Warn("Discarding malformed cached user", slog.Int64("user_id", id))
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("Failed to read user from cache",
			slog.Int64("user_id", id),
			slog.Any("error", err),
		)
	}

	user, err := r.next.Resolve(ctx, id)
	if err != nil || user == nil {
		return user, err
	}

	if data, err := json.Marshal(user); err == nil {
		if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
			r.logger.Warn("Failed to write user to cache",
				slog.Int64("user_id", id),
				slog.Any("error", err),
			)
		}
	}
	return user, nil
}

func userKey(id int64) string {
	return "export:user:" + strconv.FormatInt(id, 10)
}

// MemoResolver remembers every answer of the wrapped resolver, including
// unknown users. It is meant to live for a single export run.
type MemoResolver struct {
	next UserResolver

	mu    sync.Mutex
	users map[int64]*domain.User
}

// NewMemoResolver creates a new MemoResolver
func NewMemoResolver(next UserResolver) *MemoResolver {
	return &MemoResolver{
		next:  next,
		users: make(map[int64]*domain.User),
	}
}

func (m *MemoResolver) Resolve(ctx context.Context, id int64) (*domain.User, error) {
	if id == 0 {
		return nil, nil
	}

	m.mu.Lock()
	user, ok := m.users[id]
	m.mu.Unlock()
	if ok {
		return user, nil
	}

	user, err := m.next.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.users[id] = user
	m.mu.Unlock()
	return user, nil
}
