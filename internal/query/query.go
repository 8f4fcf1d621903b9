// Package query builds bounded data-source queries from job templates and reads the
// metric and dimension declarations back out of them.
package query

import (
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// Query is a validated query bounded to [Start, End).
type Query struct {
	JSON        string
	Granularity models.Granularity
	Range       int
	Intervals   int
	Start       time.Time
	End         time.Time
}

// RunTime is the query end in epoch seconds.
func (q *Query) RunTime() int64 {
	return q.End.Unix()
}

// ExpectedEndMinutes is the timestamp, in minutes, of the last bucket a complete
// response must contain.
func (q *Query) ExpectedEndMinutes() int64 {
	return q.RunTime()/60 - q.Granularity.Minutes()*int64(q.Range)
}

// DataSource returns the queried data source name, if declared.
func (q *Query) DataSource() string {
	ds := gjson.Get(q.JSON, "dataSource")
	if ds.IsObject() {
		return ds.Get("name").String()
	}
	return ds.String()
}

// MetricNames returns the post-aggregation names, falling back to aggregation names.
// The result is deduplicated and sorted.
func (q *Query) MetricNames() []string {
	return MetricNames(q.JSON)
}

// Dimensions returns the declared group-by dimension names in declaration order.
func (q *Query) Dimensions() []string {
	return Dimensions(q.JSON)
}

// MetricNames extracts metric names from a raw query document.
func MetricNames(doc string) []string {
	seen := make(map[string]struct{})
	add := func(name string) {
		if name != "" {
			seen[name] = struct{}{}
		}
	}

	post := gjson.Get(doc, "postAggregations")
	if post.IsArray() && len(post.Array()) > 0 {
		for _, agg := range post.Array() {
			add(agg.Get("name").String())
		}
	} else {
		for _, agg := range gjson.Get(doc, "aggregations").Array() {
			if name := agg.Get("name"); name.Exists() {
				add(name.String())
			} else {
				add(agg.Get("aggregator.name").String())
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dimensions extracts group-by dimension names from a raw query document.
func Dimensions(doc string) []string {
	var entries []gjson.Result
	if dims := gjson.Get(doc, "dimensions"); dims.IsArray() {
		entries = dims.Array()
	} else if dim := gjson.Get(doc, "dimension"); dim.Exists() {
		entries = []gjson.Result{dim}
	}

	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := dimensionName(entry)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func dimensionName(entry gjson.Result) string {
	if !entry.IsObject() {
		return entry.String()
	}
	if v := entry.Get("outputName"); v.Exists() {
		return v.String()
	}
	if v := entry.Get("dimension"); v.Exists() {
		return v.String()
	}
	return "unknown"
}
