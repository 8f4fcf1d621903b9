// Package timeseries turns data-source responses into identified series and reshapes
// them for detection.
package timeseries

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/query"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Parser converts a JSON array of datapoints into one series per metric and dimension combination.
type Parser struct {
	logger *slog.Logger
	newID  func() string
}

// NewParser returns a parser that logs skipped datapoints to logger.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger, newID: uuid.NewString}
}

// Parse reads the metrics and dimensions declared by q.
func (p *Parser) Parse(response []byte, q *query.Query) ([]*models.Series, error) {
	return p.ParseWith(response, q.MetricNames(), q.Dimensions())
}

// ParseWith parses response for the given metrics and ordered dimensions. Series with
// fewer than models.MinSeriesPoints points are dropped.
func (p *Parser) ParseWith(response []byte, metrics, dimensions []string) ([]*models.Series, error) {
	const op = "timeseries.Parse"
	if !gjson.ValidBytes(response) {
		return nil, utils.NewAppError(op, "response is not valid JSON", nil)
	}
	root := gjson.ParseBytes(response)
	if !root.IsArray() {
		return nil, utils.NewAppError(op, fmt.Sprintf("expected a JSON array, got %s", root.Type), nil)
	}

	var (
		byKey = make(map[string]*models.Series)
		order []*models.Series
	)
	for i, dp := range root.Array() {
		ts := dp.Get("timestamp")
		result := dp.Get("result")
		event := dp.Get("event")
		if !ts.Exists() || (!result.Exists() && !event.Exists()) {
			continue
		}
		secs, err := utils.ParseDruidTimestamp(ts.String())
		if err != nil {
			p.logger.Warn("skipping datapoint with bad timestamp", slog.Int("index", i), slog.Any("error", err))
			continue
		}

		var blobs []gjson.Result
		switch {
		case result.IsArray():
			blobs = result.Array()
		case result.IsObject():
			blobs = []gjson.Result{result}
		case event.IsObject():
			blobs = []gjson.Result{event}
		default:
			p.logger.Warn("skipping datapoint without result object", slog.Int("index", i))
			continue
		}

		for _, blob := range blobs {
			fields := fieldsOf(blob)
			label := dimensionLabel(fields, dimensions)
			if label == models.NullLabel {
				continue
			}
			for _, metric := range metrics {
				v, ok := fields[metric]
				if !ok || v.Type == gjson.Null {
					continue
				}
				key := metric + "|" + label
				s, ok := byKey[key]
				if !ok {
					s = &models.Series{ID: p.newID(), Metric: metric, Source: label}
					byKey[key] = s
					order = append(order, s)
				}
				s.Append(secs, v.Float())
			}
		}
	}

	out := make([]*models.Series, 0, len(order))
	for _, s := range order {
		if s.Len() < models.MinSeriesPoints {
			p.logger.Debug("dropping short series", slog.String("metric", s.Metric), slog.String("dimensions", s.Source), slog.Int("points", s.Len()))
			continue
		}
		s.SortPoints()
		out = append(out, s)
	}
	return out, nil
}

func fieldsOf(blob gjson.Result) map[string]gjson.Result {
	fields := make(map[string]gjson.Result)
	blob.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value
		return true
	})
	return fields
}

// dimensionLabel renders "dim = 'value'" lines in declaration order, or models.NullLabel
// when any declared dimension is null or absent.
func dimensionLabel(fields map[string]gjson.Result, dimensions []string) string {
	parts := make([]string, 0, len(dimensions))
	for _, dim := range dimensions {
		v, ok := fields[dim]
		if !ok || v.Type == gjson.Null {
			return models.NullLabel
		}
		parts = append(parts, fmt.Sprintf("%s = '%s'", dim, v.String()))
	}
	return strings.Join(parts, "\n")
}
