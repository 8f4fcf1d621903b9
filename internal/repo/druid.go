package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/miradorstack/mirador-detect/internal/cache"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

const datasourcesCacheKey = "druid:datasources"

// DruidConfig locates the broker.
type DruidConfig struct {
	BrokerURL       string
	QueryPath       string
	DatasourcesPath string
	Timeout         time.Duration
	Retry           RetryPolicy
	CacheTTL        time.Duration
}

// DruidClient posts queries to a Druid broker and lists its data sources.
type DruidClient struct {
	http            httpClient
	queryPath       string
	datasourcesPath string
	cache           cache.Provider
	cacheTTL        time.Duration
	logger          *slog.Logger
}

// NewDruidClient constructs a client. A nil cache disables data source caching.
func NewDruidClient(cfg DruidConfig, cacheProvider cache.Provider, logger *slog.Logger) *DruidClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/druid/v2"
	}
	if cfg.DatasourcesPath == "" {
		cfg.DatasourcesPath = "/druid/v2/datasources"
	}
	return &DruidClient{
		http:            newHTTPClient(cfg.BrokerURL, cfg.Timeout, cfg.Retry),
		queryPath:       cfg.QueryPath,
		datasourcesPath: cfg.DatasourcesPath,
		cache:           cacheProvider,
		cacheTTL:        cfg.CacheTTL,
		logger:          logger,
	}
}

// Query posts a query document and returns the raw response. A rejected query is a
// configuration error; anything else that outlives the retries is transient.
func (c *DruidClient) Query(ctx context.Context, doc string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("druid client not initialised")
	}
	if !json.Valid([]byte(doc)) {
		return nil, utils.ConfigError("druid.Query", "query is not valid JSON", nil)
	}
	body, err := c.http.do(ctx, http.MethodPost, c.http.resolvePath(c.queryPath), []byte(doc))
	if err != nil {
		if isPermanent(err) {
			return nil, utils.ConfigError("druid.Query", "broker rejected query", err)
		}
		return nil, utils.TransientError("druid.Query", "broker request failed", err)
	}
	return body, nil
}

// DataSources lists the broker's data sources, served from cache while fresh.
func (c *DruidClient) DataSources(ctx context.Context) ([]string, error) {
	names, _, err := c.dataSources(ctx)
	return names, err
}

// HasDataSource reports whether name is served by the broker. A miss against a cached
// catalogue drops the cache entry and asks the broker once more.
func (c *DruidClient) HasDataSource(ctx context.Context, name string) (bool, error) {
	names, cached, err := c.dataSources(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(names, name) || !cached {
		return slices.Contains(names, name), nil
	}
	if err := c.cache.Del(ctx, datasourcesCacheKey); err != nil {
		c.logger.Warn("invalidate datasources", slog.Any("error", err))
	}
	names, _, err = c.dataSources(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func (c *DruidClient) dataSources(ctx context.Context) (names []string, cached bool, err error) {
	if c == nil {
		return nil, false, fmt.Errorf("druid client not initialised")
	}
	if raw, err := c.cache.Get(ctx, datasourcesCacheKey); err == nil {
		if err := json.Unmarshal(raw, &names); err == nil {
			return names, true, nil
		}
	}

	body, err := c.http.do(ctx, http.MethodGet, c.http.resolvePath(c.datasourcesPath), nil)
	if err != nil {
		return nil, false, utils.TransientError("druid.DataSources", "datasources request failed", err)
	}
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, false, utils.TransientError("druid.DataSources", "decode datasources", err)
	}
	if c.cacheTTL > 0 {
		if err := c.cache.Set(ctx, datasourcesCacheKey, body, c.cacheTTL); err != nil {
			c.logger.Warn("cache datasources", slog.Any("error", err))
		}
	}
	return names, false, nil
}
