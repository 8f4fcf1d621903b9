// Package detect configures and runs the anomaly-detection backends.
package detect

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Configuration keys.
const (
	KeyMaxAnomalyTimeAgo          = "MAX_ANOMALY_TIME_AGO"
	KeyDetectionWindowStartTime   = "DETECTION_WINDOW_START_TIME"
	KeyAggregation                = "AGGREGATION"
	KeyOpType                     = "OP_TYPE"
	KeyFramework                  = "TS_FRAMEWORK"
	KeyTSModel                    = "TS_MODEL"
	KeyADModel                    = "AD_MODEL"
	KeyInput                      = "INPUT"
	KeyOutput                     = "OUTPUT"
	KeyTimeShifts                 = "TIME_SHIFTS"
	KeyBaseWindows                = "BASE_WINDOWS"
	KeyPeriod                     = "PERIOD"
	KeyFillMissing                = "FILL_MISSING"
	KeyNumWeeks                   = "NUM_WEEKS"
	KeyNumToDrop                  = "NUM_TO_DROP"
	KeyDynamicParameters          = "DYNAMIC_PARAMETERS"
	KeyAutoSensitivityAnomalyPcnt = "AUTO_SENSITIVITY_ANOMALY_PCNT"
	KeyAutoSensitivitySD          = "AUTO_SENSITIVITY_SD"
	KeyPreWindowSize              = "PRE_WINDOW_SIZE"
	KeyPostWindowSize             = "POST_WINDOW_SIZE"
	KeyConfidence                 = "CONFIDENCE"
	KeyWindowSize                 = "WINDOW_SIZE"
	KeyFilteringMethod            = "FILTERING_METHOD"
	KeyFilteringParam             = "FILTERING_PARAM"
	KeyThreshold                  = "THRESHOLD"
	KeyProphetGrowthModel         = "PROPHET_GROWTH_MODEL"
	KeyProphetYearlySeasonality   = "PROPHET_YEARLY_SEASONALITY"
	KeyProphetWeeklySeasonality   = "PROPHET_WEEKLY_SEASONALITY"
	KeyProphetDailySeasonality    = "PROPHET_DAILY_SEASONALITY"
)

// NaiveThreshold is injected for the threshold model, which cannot run without one.
const NaiveThreshold = "mapee#100,mae#1000,smape#100,mape#10,mase#15"

// NoExpiry disables the anomaly age filter, used when forecasts are requested with results.
const NoExpiry = "99999999"

// filteringDefaults maps each filtering method to its default parameter.
var filteringDefaults = map[string]string{
	"GAP_RATIO":   "0.01",
	"EIGEN_RATIO": "0.1",
	"EXPLICIT":    "10",
	"K_GAP":       "8",
	"VARIANCE":    "0.99",
	"SMOOTHNESS":  "0.97",
}

// Config is the flat parameter set handed to a backend. Empty fields fall back to their
// defaults when read. Keys outside the table are kept in Extra.
type Config struct {
	MaxAnomalyTimeAgo          string
	DetectionWindowStartTime   string
	Aggregation                string
	OpType                     string
	Framework                  string
	TSModel                    string
	ADModel                    string
	Input                      string
	Output                     string
	TimeShifts                 string
	BaseWindows                string
	Period                     string
	FillMissing                string
	NumWeeks                   string
	NumToDrop                  string
	DynamicParameters          string
	AutoSensitivityAnomalyPcnt string
	AutoSensitivitySD          string
	PreWindowSize              string
	PostWindowSize             string
	Confidence                 string
	WindowSize                 string
	FilteringMethod            string
	FilteringParam             string
	Threshold                  string
	ProphetGrowthModel         string
	ProphetYearlySeasonality   string
	ProphetWeeklySeasonality   string
	ProphetDailySeasonality    string

	Extra map[string]string
}

type field struct {
	key string
	def string
	ptr func(*Config) *string
}

var fieldTable = []field{
	{KeyMaxAnomalyTimeAgo, "0", func(c *Config) *string { return &c.MaxAnomalyTimeAgo }},
	{KeyDetectionWindowStartTime, "0", func(c *Config) *string { return &c.DetectionWindowStartTime }},
	{KeyAggregation, "1", func(c *Config) *string { return &c.Aggregation }},
	{KeyOpType, "DETECT_ANOMALY", func(c *Config) *string { return &c.OpType }},
	{KeyFramework, FrameworkEgads, func(c *Config) *string { return &c.Framework }},
	{KeyTSModel, ModelOlympic, func(c *Config) *string { return &c.TSModel }},
	{KeyADModel, ModelKSigma, func(c *Config) *string { return &c.ADModel }},
	{KeyInput, "CSV", func(c *Config) *string { return &c.Input }},
	{KeyOutput, "STD_OUT", func(c *Config) *string { return &c.Output }},
	{KeyTimeShifts, "0", func(c *Config) *string { return &c.TimeShifts }},
	{KeyBaseWindows, "1,7", func(c *Config) *string { return &c.BaseWindows }},
	{KeyPeriod, "0", func(c *Config) *string { return &c.Period }},
	{KeyFillMissing, "1", func(c *Config) *string { return &c.FillMissing }},
	{KeyNumWeeks, "8", func(c *Config) *string { return &c.NumWeeks }},
	{KeyNumToDrop, "1", func(c *Config) *string { return &c.NumToDrop }},
	{KeyDynamicParameters, "0", func(c *Config) *string { return &c.DynamicParameters }},
	{KeyAutoSensitivityAnomalyPcnt, "0.01", func(c *Config) *string { return &c.AutoSensitivityAnomalyPcnt }},
	{KeyAutoSensitivitySD, "3.0", func(c *Config) *string { return &c.AutoSensitivitySD }},
	{KeyPreWindowSize, "48", func(c *Config) *string { return &c.PreWindowSize }},
	{KeyPostWindowSize, "48", func(c *Config) *string { return &c.PostWindowSize }},
	{KeyConfidence, "0.8", func(c *Config) *string { return &c.Confidence }},
	{KeyWindowSize, "192", func(c *Config) *string { return &c.WindowSize }},
	{KeyFilteringMethod, "GAP_RATIO", func(c *Config) *string { return &c.FilteringMethod }},
	{KeyFilteringParam, "", func(c *Config) *string { return &c.FilteringParam }},
	{KeyThreshold, "", func(c *Config) *string { return &c.Threshold }},
	{KeyProphetGrowthModel, GrowthLinear, func(c *Config) *string { return &c.ProphetGrowthModel }},
	{KeyProphetYearlySeasonality, SeasonalityAuto, func(c *Config) *string { return &c.ProphetYearlySeasonality }},
	{KeyProphetWeeklySeasonality, SeasonalityAuto, func(c *Config) *string { return &c.ProphetWeeklySeasonality }},
	{KeyProphetDailySeasonality, SeasonalityAuto, func(c *Config) *string { return &c.ProphetDailySeasonality }},
}

var fieldIndex = func() map[string]field {
	idx := make(map[string]field, len(fieldTable))
	for _, f := range fieldTable {
		idx[f.key] = f
	}
	return idx
}()

// DefaultConfig returns a config with every field set to its default.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults(true)
	return c
}

// ApplyDefaults fills fields from the table. With all=false only empty fields are filled.
// FILTERING_PARAM defaults to the value for the configured filtering method.
func (c *Config) ApplyDefaults(all bool) {
	for _, f := range fieldTable {
		p := f.ptr(c)
		if all || *p == "" {
			*p = f.def
		}
	}
	if all || c.FilteringParam == "" {
		c.FilteringParam = filteringParam(c.FilteringMethod)
	}
}

// Get returns the value for key, falling back to its default.
func (c *Config) Get(key string) string {
	f, ok := fieldIndex[key]
	if !ok {
		return c.Extra[key]
	}
	if v := *f.ptr(c); v != "" {
		return v
	}
	if key == KeyFilteringParam {
		return filteringParam(c.Get(KeyFilteringMethod))
	}
	return f.def
}

// Set stores value under key.
func (c *Config) Set(key, value string) {
	if f, ok := fieldIndex[key]; ok {
		*f.ptr(c) = value
		return
	}
	if c.Extra == nil {
		c.Extra = make(map[string]string)
	}
	c.Extra[key] = value
}

// Float parses the value for key.
func (c *Config) Float(key string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(c.Get(key)), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Int parses the value for key; fractional values are truncated.
func (c *Config) Int(key string) (int, error) {
	v, err := c.Float(key)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// AsMap renders every key, defaults included, plus Extra.
func (c *Config) AsMap() map[string]string {
	m := make(map[string]string, len(fieldTable)+len(c.Extra))
	for k, v := range c.Extra {
		m[k] = v
	}
	for _, f := range fieldTable {
		if v := c.Get(f.key); v != "" {
			m[f.key] = v
		}
	}
	return m
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	if c.Extra != nil {
		extra := make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			extra[k] = v
		}
		c.Extra = extra
	}
	return c
}

// FromMap builds a config from key/value pairs without applying defaults.
func FromMap(m map[string]string) Config {
	var c Config
	for k, v := range m {
		c.Set(strings.ToUpper(strings.TrimSpace(k)), v)
	}
	return c
}

// LoadDefaults reads a flat YAML map of overrides and fills the rest from the table.
// An empty path yields DefaultConfig.
func LoadDefaults(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read detector defaults: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse detector defaults: %w", err)
	}
	c := FromMap(raw)
	c.ApplyDefaults(false)
	return c, nil
}

func filteringParam(method string) string {
	if v, ok := filteringDefaults[strings.ToUpper(method)]; ok {
		return v
	}
	return filteringDefaults["GAP_RATIO"]
}
