package detect

import "strings"

// Frameworks.
const (
	FrameworkEgads   = "Egads"
	FrameworkProphet = "Prophet"
)

// Forecasting model names.
const (
	ModelAutoForecast               = "AutoForecastModel"
	ModelDoubleExponentialSmoothing = "DoubleExponentialSmoothingModel"
	ModelMovingAverage              = "MovingAverageModel"
	ModelMultipleLinearRegression   = "MultipleLinearRegressionModel"
	ModelNaiveForecasting           = "NaiveForecastingModel"
	ModelOlympic                    = "OlympicModel"
	ModelPolynomialRegression       = "PolynomialRegressionModel"
	ModelProphet                    = "Prophet"
	ModelRegression                 = "RegressionModel"
	ModelSimpleExponentialSmoothing = "SimpleExponentialSmoothingModel"
	ModelTripleExponentialSmoothing = "TripleExponentialSmoothingModel"
	ModelWeightedMovingAverage      = "WeightedMovingAverageModel"
	ModelSpectralSmoother           = "SpectralSmoother"
)

// Deviation model names.
const (
	ModelExtremeLowDensity     = "ExtremeLowDensityModel"
	ModelAdaptiveKernelDensity = "AdaptiveKernelDensityChangePointDetector"
	ModelKSigma                = "KSigmaModel"
	ModelNaive                 = "NaiveModel"
	ModelDBScan                = "DBScanModel"
	ModelSimpleThreshold       = "SimpleThresholdModel"
)

// Prophet options.
const (
	GrowthLinear = "linear"
	GrowthFlat   = "flat"

	SeasonalityAuto  = "auto"
	SeasonalityTrue  = "True"
	SeasonalityFalse = "False"
)

// TimeseriesModels lists every forecasting model a job may name.
func TimeseriesModels() []string {
	return []string{
		ModelAutoForecast, ModelDoubleExponentialSmoothing, ModelMovingAverage,
		ModelMultipleLinearRegression, ModelNaiveForecasting, ModelOlympic,
		ModelPolynomialRegression, ModelProphet, ModelRegression,
		ModelSimpleExponentialSmoothing, ModelTripleExponentialSmoothing,
		ModelWeightedMovingAverage, ModelSpectralSmoother,
	}
}

// AnomalyModels lists every deviation model a job may name.
func AnomalyModels() []string {
	return []string{
		ModelExtremeLowDensity, ModelAdaptiveKernelDensity, ModelKSigma,
		ModelNaive, ModelDBScan, ModelSimpleThreshold,
	}
}

// EgadsTimeseriesModels lists the forecasting models valid for the Egads framework.
func EgadsTimeseriesModels() []string {
	out := make([]string, 0, len(TimeseriesModels())-1)
	for _, m := range TimeseriesModels() {
		if m != ModelProphet {
			out = append(out, m)
		}
	}
	return out
}

func validGrowth(v string) bool {
	return v == GrowthLinear || v == GrowthFlat
}

func validSeasonality(v string) bool {
	return v == SeasonalityAuto || v == SeasonalityTrue || v == SeasonalityFalse
}

func framework(name string) string {
	switch {
	case strings.EqualFold(name, FrameworkEgads):
		return FrameworkEgads
	case strings.EqualFold(name, FrameworkProphet):
		return FrameworkProphet
	default:
		return ""
	}
}
