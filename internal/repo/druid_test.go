package repo

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/cache"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func newTestDruid(rt roundTripFunc, cacheProvider cache.Provider) *DruidClient {
	client := NewDruidClient(DruidConfig{
		BrokerURL: "http://broker:8082",
		Timeout:   time.Second,
		Retry:     RetryPolicy{Retries: 2, Interval: time.Millisecond},
		CacheTTL:  time.Minute,
	}, cacheProvider, nil)
	client.http.client = newTestClient(rt)
	return client
}

func TestDruidQueryPostsDocument(t *testing.T) {
	client := newTestDruid(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/druid/v2", req.URL.Path)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"queryType":"groupBy"}`, string(body))
		return jsonResponse(http.StatusOK, `[{"event":{"views":1}}]`), nil
	}, nil)

	body, err := client.Query(context.Background(), `{"queryType":"groupBy"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"event":{"views":1}}]`, string(body))
}

func TestDruidQueryRetriesTransientFailures(t *testing.T) {
	calls := 0
	client := newTestDruid(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return jsonResponse(http.StatusServiceUnavailable, ""), nil
		}
		return jsonResponse(http.StatusOK, `[]`), nil
	}, nil)

	_, err := client.Query(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDruidQueryExhaustedRetriesAreTransient(t *testing.T) {
	calls := 0
	client := newTestDruid(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusBadGateway, ""), nil
	}, nil)

	_, err := client.Query(context.Background(), `{}`)
	require.Error(t, err)
	assert.True(t, utils.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDruidQueryRejectedIsConfigAndNotRetried(t *testing.T) {
	calls := 0
	client := newTestDruid(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusBadRequest, `{"error":"Unknown exception"}`), nil
	}, nil)

	_, err := client.Query(context.Background(), `{}`)
	require.Error(t, err)
	assert.True(t, utils.IsConfig(err))
	assert.Equal(t, 1, calls)

	_, err = client.Query(context.Background(), `{"queryType":`)
	assert.True(t, utils.IsConfig(err))
	assert.Equal(t, 1, calls)
}

func TestDruidDataSourcesCachesResults(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()

	hits := 0
	catalogue := `["pageviews","clicks"]`
	client := newTestDruid(func(req *http.Request) (*http.Response, error) {
		hits++
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/druid/v2/datasources", req.URL.Path)
		return jsonResponse(http.StatusOK, catalogue), nil
	}, cache.NewRedisProvider(rdb, "cache"))

	ctx := context.Background()
	ok, err := client.HasDataSource(ctx, "pageviews")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, hits)
	assert.True(t, srv.Exists("cache:"+datasourcesCacheKey))

	ok, err = client.HasDataSource(ctx, "clicks")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, hits, "second lookup should be served from cache")

	catalogue = `["pageviews","clicks","signups"]`
	ok, err = client.HasDataSource(ctx, "signups")
	require.NoError(t, err)
	assert.True(t, ok, "a cached miss refreshes the catalogue")
	assert.Equal(t, 2, hits)

	ok, err = client.HasDataSource(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, hits)

	srv.FastForward(2 * time.Minute)
	assert.False(t, srv.Exists("cache:"+datasourcesCacheKey))
}
