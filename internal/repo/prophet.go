package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// ProphetConfig locates the forecasting service.
type ProphetConfig struct {
	URL     string
	Path    string
	Timeout time.Duration
	Retry   RetryPolicy
}

// ProphetClient requests forecasts from a Prophet-compatible HTTP service.
type ProphetClient struct {
	http httpClient
	path string
}

// NewProphetClient constructs a client.
func NewProphetClient(cfg ProphetConfig) *ProphetClient {
	if cfg.Path == "" {
		cfg.Path = "/forecast"
	}
	return &ProphetClient{http: newHTTPClient(cfg.URL, cfg.Timeout, cfg.Retry), path: cfg.Path}
}

type prophetRequest struct {
	Growth            string               `json:"growth"`
	YearlySeasonality string               `json:"yearly_seasonality"`
	WeeklySeasonality string               `json:"weekly_seasonality"`
	DailySeasonality  string               `json:"daily_seasonality"`
	Timeseries        []map[string]float64 `json:"timeseries"`
}

// Forecast returns expected values for each series, ordered by timestamp. Timestamps the
// service did not forecast are NaN.
func (c *ProphetClient) Forecast(ctx context.Context, req models.ForecastRequest) ([][]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("prophet client not initialised")
	}

	payload := prophetRequest{
		Growth:            req.Growth,
		YearlySeasonality: req.YearlySeasonality,
		WeeklySeasonality: req.WeeklySeasonality,
		DailySeasonality:  req.DailySeasonality,
		Timeseries:        make([]map[string]float64, len(req.Series)),
	}
	for i, s := range req.Series {
		m := make(map[string]float64, len(s))
		for ts, v := range s {
			m[strconv.FormatInt(ts, 10)] = v
		}
		payload.Timeseries[i] = m
	}

	var raw json.RawMessage
	if err := c.http.postJSON(ctx, c.http.resolvePath(c.path), payload, &raw); err != nil {
		if isPermanent(err) {
			return nil, utils.ConfigError("prophet.Forecast", "service rejected request", err)
		}
		return nil, utils.TransientError("prophet.Forecast", "forecast request failed", err)
	}

	forecasted := gjson.GetBytes(raw, "forecasted")
	if !forecasted.IsArray() {
		return nil, fmt.Errorf("prophet response has no forecasted array")
	}
	results := forecasted.Array()
	if len(results) != len(req.Series) {
		return nil, fmt.Errorf("prophet returned %d forecasts for %d series", len(results), len(req.Series))
	}

	out := make([][]float64, len(req.Series))
	for i, s := range req.Series {
		times := make([]int64, 0, len(s))
		for ts := range s {
			times = append(times, ts)
		}
		sort.Slice(times, func(a, b int) bool { return times[a] < times[b] })

		values := results[i]
		out[i] = make([]float64, len(times))
		for j, ts := range times {
			v := values.Get(strconv.FormatInt(ts, 10))
			if !v.Exists() {
				out[i][j] = math.NaN()
				continue
			}
			out[i][j] = v.Float()
		}
	}
	return out, nil
}
