package detect

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// EnsembleBackend forecasts and scores each series in process.
type EnsembleBackend struct {
	base
}

// NewEnsembleBackend returns an unconfigured backend.
func NewEnsembleBackend(logger *slog.Logger) *EnsembleBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnsembleBackend{base: base{cfg: DefaultConfig(), logger: logger}}
}

// Name identifies the backend.
func (b *EnsembleBackend) Name() string { return FrameworkEgads }

// Configure stores cfg and rejects models that cannot run in process.
func (b *EnsembleBackend) Configure(cfg Config) error {
	if err := checkModel(cfg.Get(KeyTSModel), EgadsTimeseriesModels(), inProcessForecasters); err != nil {
		return err
	}
	if err := checkModel(cfg.Get(KeyADModel), AnomalyModels(), inProcessScorers); err != nil {
		return err
	}
	return b.base.Configure(cfg)
}

// Detect forecasts every series with TS_MODEL and scores residuals with AD_MODEL.
func (b *EnsembleBackend) Detect(ctx context.Context, series []*models.Series, endMinutes int64) ([]models.Finding, error) {
	cfg := b.Config()
	forecast, err := newForecaster(&cfg)
	if err != nil {
		return nil, err
	}
	sc, err := newScorer(&cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.Get(KeyTSModel) + "/" + cfg.Get(KeyADModel)

	return b.detectEach(ctx, series, endMinutes, func(s *models.Series) (models.Finding, error) {
		actual := s.Values()
		expected := forecast(actual)
		magnitude, anomalous := sc.score(actual, expected)
		return models.Finding{
			SeriesID:   s.ID,
			Metric:     s.Metric,
			Dimensions: s.Source,
			Model:      model,
			ModelParam: sc.param(),
			Intervals:  b.intervals(s, expected, magnitude, anomalous, endMinutes),
		}, nil
	})
}
