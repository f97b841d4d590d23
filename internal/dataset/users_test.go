package dataset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/api/v1/users/7":
			_, _ = w.Write([]byte(`{"id":7,"username":"alice","display_name":"Alice"}`))
		case "/api/v1/users/9":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUserServiceClient_Resolve(t *testing.T) {
	var calls atomic.Int32
	server := newUserServer(t, &calls)
	client := NewUserServiceClient(testDoer(), server.URL, testLogger())
	ctx := context.Background()

	user, err := client.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, &domain.User{ID: 7, Username: "alice", DisplayName: "Alice"}, user)

	user, err = client.Resolve(ctx, 8)
	require.NoError(t, err)
	assert.Nil(t, user)

	_, err = client.Resolve(ctx, 9)
	require.Error(t, err)

	calls.Store(0)
	user, err = client.Resolve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCachedUserResolver_Resolve(t *testing.T) {
	var calls atomic.Int32
	server := newUserServer(t, &calls)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	resolver := NewCachedUserResolver(
		NewUserServiceClient(testDoer(), server.URL, testLogger()),
		rdb, time.Hour, testLogger(),
	)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Alice", second.DisplayName)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, mr.Exists("export:user:7"))
	assert.Equal(t, time.Hour, mr.TTL("export:user:7"))

	unknown, err := resolver.Resolve(ctx, 8)
	require.NoError(t, err)
	assert.Nil(t, unknown)
	assert.False(t, mr.Exists("export:user:8"))
}

func TestCachedUserResolver_FallsBackWhenCacheIsDown(t *testing.T) {
	var calls atomic.Int32
	server := newUserServer(t, &calls)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	resolver := NewCachedUserResolver(
		NewUserServiceClient(testDoer(), server.URL, testLogger()),
		rdb, time.Hour, testLogger(),
	)

	user, err := resolver.Resolve(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, int32(1), calls.Load())
}

type countingResolver struct {
	calls atomic.Int32
	users map[int64]*domain.User
}

func (r *countingResolver) Resolve(_ context.Context, id int64) (*domain.User, error) {
	r.calls.Add(1)
	return r.users[id], nil
}

func TestMemoResolver_Resolve(t *testing.T) {
	next := &countingResolver{users: map[int64]*domain.User{1: {ID: 1, Username: "bob"}}}
	memo := NewMemoResolver(next)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		user, err := memo.Resolve(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "bob", user.Username)

		missing, err := memo.Resolve(ctx, 2)
		require.NoError(t, err)
		assert.Nil(t, missing)

		none, err := memo.Resolve(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, none)
	}

	assert.Equal(t, int32(2), next.calls.Load())
}
