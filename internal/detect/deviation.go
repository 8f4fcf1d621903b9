package detect

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-detect/internal/utils"
)

// scorer returns a per-point magnitude and whether the point is anomalous. Points whose
// expectation is NaN are never anomalous.
type scorer interface {
	score(actual, expected []float64) (magnitude []float64, anomalous []bool)
	param() string
}

var inProcessScorers = map[string]func(cfg *Config) (scorer, error){
	ModelKSigma: newKSigma,
	ModelNaive:  newThreshold,
}

func newScorer(cfg *Config) (scorer, error) {
	name := cfg.Get(KeyADModel)
	build, ok := inProcessScorers[name]
	if !ok {
		return nil, utils.ConfigError("detect.scorer", fmt.Sprintf("model %q", name), ErrUnsupportedModel)
	}
	return build(cfg)
}

// kSigma flags residuals more than sigma standard deviations from the mean residual.
type kSigma struct {
	sigma float64
}

func newKSigma(cfg *Config) (scorer, error) {
	sigma, err := cfg.Float(KeyAutoSensitivitySD)
	if err != nil {
		return nil, utils.ConfigError("detect.KSigmaModel", "invalid sensitivity", err)
	}
	if sigma <= 0 {
		sigma = 3
	}
	return kSigma{sigma: sigma}, nil
}

func (k kSigma) param() string { return "sigma=" + strconv.FormatFloat(k.sigma, 'f', -1, 64) }

func (k kSigma) score(actual, expected []float64) ([]float64, []bool) {
	residuals := make([]float64, 0, len(actual))
	for i := range actual {
		if !math.IsNaN(expected[i]) {
			residuals = append(residuals, actual[i]-expected[i])
		}
	}
	mu := mean(residuals)
	variance := 0.0
	for _, r := range residuals {
		variance += (r - mu) * (r - mu)
	}
	if len(residuals) > 0 {
		variance /= float64(len(residuals))
	}
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		stdDev = 0.01
	}

	magnitude := make([]float64, len(actual))
	anomalous := make([]bool, len(actual))
	for i := range actual {
		if math.IsNaN(expected[i]) {
			continue
		}
		z := math.Abs(actual[i]-expected[i]-mu) / stdDev
		magnitude[i] = z
		anomalous[i] = z > k.sigma
	}
	return magnitude, anomalous
}

// threshold flags points where any configured error metric exceeds its limit.
type threshold struct {
	raw    string
	limits map[string]float64
}

func newThreshold(cfg *Config) (scorer, error) {
	raw := cfg.Get(KeyThreshold)
	if raw == "" {
		return nil, utils.ConfigError("detect.NaiveModel", "THRESHOLD is required", nil)
	}
	limits := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "#")
		if !ok {
			return nil, utils.ConfigError("detect.NaiveModel", fmt.Sprintf("malformed threshold %q", part), nil)
		}
		limit, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, utils.ConfigError("detect.NaiveModel", fmt.Sprintf("threshold %q", part), err)
		}
		switch name {
		case "mae", "mape", "smape", "mapee", "mase":
			limits[name] = limit
		default:
			return nil, utils.ConfigError("detect.NaiveModel", fmt.Sprintf("unknown error metric %q", name), nil)
		}
	}
	return threshold{raw: raw, limits: limits}, nil
}

func (t threshold) param() string { return t.raw }

func (t threshold) score(actual, expected []float64) ([]float64, []bool) {
	naiveScale := 0.0
	for i := 1; i < len(actual); i++ {
		naiveScale += math.Abs(actual[i] - actual[i-1])
	}
	if len(actual) > 1 {
		naiveScale /= float64(len(actual) - 1)
	}

	magnitude := make([]float64, len(actual))
	anomalous := make([]bool, len(actual))
	for i := range actual {
		a, e := actual[i], expected[i]
		if math.IsNaN(e) {
			continue
		}
		errs := pointErrors(a, e, naiveScale)
		for name, limit := range t.limits {
			v, ok := errs[name]
			if !ok || limit <= 0 {
				continue
			}
			ratio := v / limit
			if ratio > magnitude[i] {
				magnitude[i] = ratio
			}
			if v > limit {
				anomalous[i] = true
			}
		}
	}
	return magnitude, anomalous
}

func pointErrors(a, e, naiveScale float64) map[string]float64 {
	diff := math.Abs(a - e)
	errs := map[string]float64{"mae": diff}
	if a != 0 {
		errs["mape"] = 100 * diff / math.Abs(a)
	}
	if e != 0 {
		errs["mapee"] = 100 * diff / math.Abs(e)
	}
	if denom := (math.Abs(a) + math.Abs(e)) / 2; denom != 0 {
		errs["smape"] = 100 * diff / denom
	}
	if naiveScale != 0 {
		errs["mase"] = diff / naiveScale
	}
	return errs
}
