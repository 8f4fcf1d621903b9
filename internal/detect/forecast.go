package detect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-detect/internal/utils"
)

// forecaster returns the expected value for every index of values.
type forecaster func(values []float64) []float64

// inProcessForecasters are the forecasting models the ensemble backend runs itself.
var inProcessForecasters = map[string]func(cfg *Config) (forecaster, error){
	ModelOlympic:          newOlympic,
	ModelMovingAverage:    newMovingAverage,
	ModelNaiveForecasting: func(*Config) (forecaster, error) { return naiveForecast, nil },
}

func newForecaster(cfg *Config) (forecaster, error) {
	name := cfg.Get(KeyTSModel)
	build, ok := inProcessForecasters[name]
	if !ok {
		return nil, utils.ConfigError("detect.forecaster", fmt.Sprintf("model %q", name), ErrUnsupportedModel)
	}
	return build(cfg)
}

// parseWindows reads BASE_WINDOWS ("w1,w2").
func parseWindows(cfg *Config) (w1, w2 int, err error) {
	parts := strings.Split(cfg.Get(KeyBaseWindows), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%s %q: want two windows", KeyBaseWindows, cfg.Get(KeyBaseWindows))
	}
	if w1, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", KeyBaseWindows, err)
	}
	if w2, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", KeyBaseWindows, err)
	}
	if w1 < 1 || w2 < 1 {
		return 0, 0, fmt.Errorf("%s %q: windows must be positive", KeyBaseWindows, cfg.Get(KeyBaseWindows))
	}
	return w1, w2, nil
}

// newOlympic averages the same phase of up to NUM_WEEKS previous seasons of length w2,
// dropping the NUM_TO_DROP highest and lowest samples when enough are available.
func newOlympic(cfg *Config) (forecaster, error) {
	_, season, err := parseWindows(cfg)
	if err != nil {
		return nil, utils.ConfigError("detect.OlympicModel", "invalid windows", err)
	}
	seasons, err := cfg.Int(KeyNumWeeks)
	if err != nil || seasons < 1 {
		return nil, utils.ConfigError("detect.OlympicModel", "invalid season count", err)
	}
	drop, err := cfg.Int(KeyNumToDrop)
	if err != nil || drop < 0 {
		return nil, utils.ConfigError("detect.OlympicModel", "invalid drop count", err)
	}

	return func(values []float64) []float64 {
		out := make([]float64, len(values))
		for i := range values {
			var samples []float64
			for k := 1; k <= seasons; k++ {
				j := i - k*season
				if j < 0 {
					break
				}
				samples = append(samples, values[j])
			}
			if len(samples) == 0 {
				out[i] = previous(values, i)
				continue
			}
			if len(samples) > 2*drop {
				sort.Float64s(samples)
				samples = samples[drop : len(samples)-drop]
			}
			out[i] = mean(samples)
		}
		return out
	}, nil
}

// newMovingAverage predicts the mean of the previous w1 points.
func newMovingAverage(cfg *Config) (forecaster, error) {
	window, _, err := parseWindows(cfg)
	if err != nil {
		return nil, utils.ConfigError("detect.MovingAverageModel", "invalid windows", err)
	}
	return func(values []float64) []float64 {
		out := make([]float64, len(values))
		for i := range values {
			lo := i - window
			if lo < 0 {
				lo = 0
			}
			if lo == i {
				out[i] = values[i]
				continue
			}
			out[i] = mean(values[lo:i])
		}
		return out
	}, nil
}

func naiveForecast(values []float64) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		out[i] = previous(values, i)
	}
	return out
}

func previous(values []float64, i int) float64 {
	if i == 0 {
		return values[0]
	}
	return values[i-1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
