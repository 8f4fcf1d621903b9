package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// RemoteBackend obtains expectations from an external forecasting service and scores the
// residuals in process.
type RemoteBackend struct {
	base
	forecaster Forecaster
}

// NewRemoteBackend returns an unconfigured backend calling f.
func NewRemoteBackend(f Forecaster, logger *slog.Logger) *RemoteBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBackend{base: base{cfg: DefaultConfig(), logger: logger}, forecaster: f}
}

// Name identifies the backend.
func (b *RemoteBackend) Name() string { return FrameworkProphet }

// Configure validates the growth and seasonality options.
func (b *RemoteBackend) Configure(cfg Config) error {
	if g := cfg.Get(KeyProphetGrowthModel); !validGrowth(g) {
		return utils.ConfigError("detect.RemoteBackend", fmt.Sprintf("growth model %q", g), nil)
	}
	for _, key := range []string{KeyProphetYearlySeasonality, KeyProphetWeeklySeasonality, KeyProphetDailySeasonality} {
		if v := cfg.Get(key); !validSeasonality(v) {
			return utils.ConfigError("detect.RemoteBackend", fmt.Sprintf("%s %q", key, v), nil)
		}
	}
	if err := checkModel(cfg.Get(KeyADModel), AnomalyModels(), inProcessScorers); err != nil {
		return err
	}
	return b.base.Configure(cfg)
}

// Detect sends every fresh series in one forecast call. A failed call fails the whole batch.
func (b *RemoteBackend) Detect(ctx context.Context, series []*models.Series, endMinutes int64) ([]models.Finding, error) {
	cfg := b.Config()
	sc, err := newScorer(&cfg)
	if err != nil {
		return nil, err
	}

	expectedEnd := endMinutes * 60
	req := models.ForecastRequest{
		Growth:            cfg.Get(KeyProphetGrowthModel),
		YearlySeasonality: cfg.Get(KeyProphetYearlySeasonality),
		WeeklySeasonality: cfg.Get(KeyProphetWeeklySeasonality),
		DailySeasonality:  cfg.Get(KeyProphetDailySeasonality),
	}
	var fresh []*models.Series
	for _, s := range series {
		if last, ok := s.Last(); ok && last.Time == expectedEnd {
			fresh = append(fresh, s)
			points := make(map[int64]float64, s.Len())
			for _, p := range s.Points {
				points[p.Time] = p.Value
			}
			req.Series = append(req.Series, points)
		}
	}

	expected := make(map[*models.Series][]float64, len(fresh))
	if len(fresh) > 0 {
		forecasts, err := b.forecaster.Forecast(ctx, req)
		if err != nil {
			if utils.KindOf(err) != utils.KindUnknown {
				return nil, err
			}
			return nil, utils.BackendError("detect.RemoteBackend", "forecast request failed", err)
		}
		if len(forecasts) != len(fresh) {
			return nil, utils.BackendError("detect.RemoteBackend", fmt.Sprintf("got %d forecasts for %d series", len(forecasts), len(fresh)), nil)
		}
		for i, s := range fresh {
			expected[s] = forecasts[i]
		}
	}

	return b.detectEach(ctx, series, endMinutes, func(s *models.Series) (models.Finding, error) {
		forecast := expected[s]
		if len(forecast) != s.Len() {
			return models.Finding{}, fmt.Errorf("forecast has %d points, series has %d", len(forecast), s.Len())
		}
		actual := s.Values()
		for i, v := range forecast {
			if math.IsInf(v, 0) {
				forecast[i] = math.NaN()
			}
		}
		magnitude, anomalous := sc.score(actual, forecast)
		return models.Finding{
			SeriesID:   s.ID,
			Metric:     s.Metric,
			Dimensions: s.Source,
			Model:      ModelProphet + "/" + cfg.Get(KeyADModel),
			ModelParam: sc.param(),
			Intervals:  b.intervals(s, forecast, magnitude, anomalous, endMinutes),
		}, nil
	})
}
