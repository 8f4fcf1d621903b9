package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

var (
	// ErrUnknownFramework is wrapped when a job names a framework that does not exist.
	ErrUnknownFramework = errors.New("unknown detection framework")
	// ErrUnsupportedModel is wrapped when a known model has no implementation here.
	ErrUnsupportedModel = errors.New("unsupported detection model")
)

// Backend runs anomaly detection over a batch of series.
type Backend interface {
	Name() string
	Configure(cfg Config) error
	// PreRunConfigure derives window, period and sensitivity parameters for a job.
	PreRunConfigure(sensitivity float64, g models.Granularity, rng int)
	// SetDetectionWindow restricts reported anomalies to the last lookback frequency periods.
	SetDetectionWindow(endMinutes int64, frequency models.Granularity, lookback int)
	// Detect returns one finding per series, or a single NODATA finding for an empty batch.
	Detect(ctx context.Context, series []*models.Series, endMinutes int64) ([]models.Finding, error)
}

// Forecaster is an external forecasting service. It returns one expected value per input
// point, per series, in timestamp order.
type Forecaster interface {
	Forecast(ctx context.Context, req models.ForecastRequest) ([][]float64, error)
}

// Deps carries the collaborators a backend may need.
type Deps struct {
	Forecaster Forecaster
	Logger     *slog.Logger
}

// New selects and configures the backend named by TS_FRAMEWORK.
func New(cfg Config, deps Deps) (Backend, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var b Backend
	switch framework(cfg.Get(KeyFramework)) {
	case FrameworkEgads:
		b = NewEnsembleBackend(logger)
	case FrameworkProphet:
		if deps.Forecaster == nil {
			return nil, utils.ConfigError("detect.New", "prophet framework requires a forecaster", nil)
		}
		b = NewRemoteBackend(deps.Forecaster, logger)
	default:
		return nil, utils.ConfigError("detect.New", fmt.Sprintf("framework %q", cfg.Get(KeyFramework)), ErrUnknownFramework)
	}
	if err := b.Configure(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// base holds the config and window handling shared by every backend.
type base struct {
	cfg    Config
	logger *slog.Logger
}

func (b *base) Configure(cfg Config) error {
	b.cfg = cfg.Clone()
	return nil
}

func (b *base) PreRunConfigure(sensitivity float64, g models.Granularity, rng int) {
	if sensitivity > 0 {
		b.cfg.Set(KeyAutoSensitivitySD, strconv.FormatFloat(sensitivity, 'f', -1, 64))
	}
	w1, w2, noPeriod := BaseWindows(g, rng)
	b.cfg.Set(KeyBaseWindows, FormatWindows(w1, w2))
	if noPeriod {
		b.cfg.Set(KeyPeriod, "-1")
	}
	if b.cfg.Get(KeyADModel) == ModelNaive && b.cfg.Threshold == "" {
		b.cfg.Set(KeyThreshold, NaiveThreshold)
	}
}

func (b *base) SetDetectionWindow(endMinutes int64, frequency models.Granularity, lookback int) {
	b.cfg.Set(KeyDetectionWindowStartTime, strconv.FormatInt(DetectionWindowStart(endMinutes, frequency, lookback), 10))
}

// Config returns a copy of the effective configuration.
func (b *base) Config() Config {
	return b.cfg.Clone()
}

// detectEach applies fn to every series whose last point lands on the expected end. Stale
// series yield NODATA findings. Errors from fn are collected so sibling series still run.
func (b *base) detectEach(ctx context.Context, series []*models.Series, endMinutes int64, fn func(*models.Series) (models.Finding, error)) ([]models.Finding, error) {
	if len(series) == 0 {
		return []models.Finding{models.NoDataFinding(nil)}, nil
	}

	expectedEnd := endMinutes * 60
	findings := make([]models.Finding, 0, len(series))
	var errs []error
	for _, s := range series {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last, ok := s.Last()
		if !ok || last.Time != expectedEnd {
			b.logger.Debug("series is stale",
				slog.String("series", s.ID),
				slog.Int64("last", last.Time),
				slog.Int64("expected", expectedEnd))
			findings = append(findings, models.NoDataFinding(s))
			continue
		}
		f, err := fn(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", s.ID, err))
			continue
		}
		findings = append(findings, f)
	}
	if len(errs) > 0 {
		return findings, utils.BackendError("detect.Detect", fmt.Sprintf("%d of %d series failed", len(errs), len(series)), errors.Join(errs...))
	}
	return findings, nil
}

// intervals merges consecutive anomalous points into intervals, skipping points before
// DETECTION_WINDOW_START_TIME and points older than MAX_ANOMALY_TIME_AGO hours. Each interval
// reports the point with the largest magnitude.
func (b *base) intervals(s *models.Series, expected, magnitude []float64, anomalous []bool, endMinutes int64) []models.Interval {
	windowStart, _ := strconv.ParseInt(b.cfg.Get(KeyDetectionWindowStartTime), 10, 64)
	maxAgo, _ := b.cfg.Float(KeyMaxAnomalyTimeAgo)
	var oldest int64
	if maxAgo > 0 {
		oldest = endMinutes*60 - int64(maxAgo*3600)
	}

	var out []models.Interval
	var cur *models.Interval
	for i, p := range s.Points {
		eligible := anomalous[i] && p.Time >= windowStart && p.Time >= oldest
		if !eligible {
			cur = nil
			continue
		}
		if cur == nil {
			out = append(out, models.Interval{Start: p.Time, End: p.Time, Actual: p.Value, Expected: expected[i], Magnitude: magnitude[i]})
			cur = &out[len(out)-1]
			continue
		}
		cur.End = p.Time
		if magnitude[i] > cur.Magnitude {
			cur.Actual, cur.Expected, cur.Magnitude = p.Value, expected[i], magnitude[i]
		}
	}
	return out
}

// checkModel fails with a config error when name is not in known, or is known but has no
// implementation in supported.
func checkModel[T any](name string, known []string, supported map[string]T) error {
	if _, ok := supported[name]; ok {
		return nil
	}
	if slices.Contains(known, name) {
		return utils.ConfigError("detect.checkModel", fmt.Sprintf("model %q", name), ErrUnsupportedModel)
	}
	return utils.ConfigError("detect.checkModel", fmt.Sprintf("unknown model %q", name), nil)
}
