package timeseries

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/query"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func stamp(i int) string {
	return base.Add(time.Duration(i) * time.Hour).Format("2006-01-02T15:04:05.000Z")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseGroupByEvents(t *testing.T) {
	var rows []map[string]any
	for i := 0; i < 8; i++ {
		for _, country := range []string{"us", "fr"} {
			rows = append(rows, map[string]any{
				"version":   "v1",
				"timestamp": stamp(i),
				"event":     map[string]any{"country": country, "device": "mobile", "views": 100 + i},
			})
		}
	}
	// null dimension value drops only this datapoint
	rows = append(rows, map[string]any{
		"timestamp": stamp(9),
		"event":     map[string]any{"country": nil, "device": "mobile", "views": 1},
	})

	series, err := NewParser(nil).ParseWith(mustJSON(t, rows), []string{"views"}, []string{"country", "device"})
	require.NoError(t, err)
	require.Len(t, series, 2)

	us := series[0]
	assert.Equal(t, "views", us.Metric)
	assert.Equal(t, "country = 'us'\ndevice = 'mobile'", us.Source)
	assert.Equal(t, 8, us.Len())
	assert.Equal(t, base.Unix(), us.Points[0].Time)
	assert.Equal(t, float64(107), us.Points[7].Value)
	assert.Equal(t, 8, series[1].Len())
	assert.NotEqual(t, us.ID, series[1].ID)
	for _, s := range series {
		assert.NotEqual(t, models.NullLabel, s.Source)
	}
}

func TestParseDropsShortSeries(t *testing.T) {
	var rows []map[string]any
	for i := 0; i < 8; i++ {
		results := []map[string]any{{"page": "home", "views": i}}
		if i < 5 {
			results = append(results, map[string]any{"page": "about", "views": i})
		}
		rows = append(rows, map[string]any{"timestamp": stamp(i), "result": results})
	}

	series, err := NewParser(nil).ParseWith(mustJSON(t, rows), []string{"views"}, []string{"page"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "page = 'home'", series[0].Source)
}

func TestParseTimeseriesResultObject(t *testing.T) {
	var rows []map[string]any
	for i := 0; i < 7; i++ {
		rows = append(rows, map[string]any{"timestamp": stamp(i), "result": map[string]any{"views": i, "clicks": 2 * i}})
	}
	rows = append(rows,
		map[string]any{"timestamp": "yesterday", "result": map[string]any{"views": 1}},
		map[string]any{"result": map[string]any{"views": 1}},
		map[string]any{"timestamp": stamp(8)},
	)

	series, err := NewParser(nil).ParseWith(mustJSON(t, rows), []string{"clicks", "views"}, nil)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "clicks", series[0].Metric)
	assert.Equal(t, "", series[0].Source)
	assert.Equal(t, 7, series[1].Len())
}

func TestParseUsesQueryDeclarations(t *testing.T) {
	q := &query.Query{JSON: `{"dimensions": ["page"], "aggregations": [{"name": "views"}], "postAggregations": []}`}
	var rows []map[string]any
	for i := 0; i < 7; i++ {
		rows = append(rows, map[string]any{"timestamp": stamp(i), "result": []map[string]any{{"page": "home", "views": i}}})
	}
	series, err := NewParser(nil).Parse(mustJSON(t, rows), q)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "page = 'home'", series[0].Source)
}

func TestParseRejectsNonArray(t *testing.T) {
	_, err := NewParser(nil).ParseWith([]byte(`{"error": "timeout"}`), []string{"views"}, nil)
	assert.Error(t, err)
	_, err = NewParser(nil).ParseWith([]byte(`[{`), []string{"views"}, nil)
	assert.Error(t, err)
}
