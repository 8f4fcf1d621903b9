package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// ErrInvalidSyntax is returned when a template has no balanced top-level object.
var ErrInvalidSyntax = errors.New("invalid query syntax: check JSON brackets")

var requiredFields = []string{"postAggregations", "aggregations", "intervals", "granularity"}

// Builder bounds a query template to a time window.
type Builder struct {
	template    string
	granularity models.Granularity
	rng         int
	intervals   int
	end         time.Time
	now         func() time.Time
}

// NewBuilder starts a builder with day granularity ending now.
func NewBuilder(template string) *Builder {
	return &Builder{
		template:    template,
		granularity: models.GranularityDay,
		rng:         1,
		now:         time.Now,
	}
}

// Granularity sets the bucket size.
func (b *Builder) Granularity(g models.Granularity) *Builder {
	b.granularity = g
	return b
}

// Range sets the bucket multiplier.
func (b *Builder) Range(n int) *Builder {
	if n > 0 {
		b.rng = n
	}
	return b
}

// Intervals sets how many buckets to look back; zero uses the granularity default.
func (b *Builder) Intervals(n int) *Builder {
	b.intervals = n
	return b
}

// EndAt sets the exclusive end of the window.
func (b *Builder) EndAt(t time.Time) *Builder {
	b.end = t
	return b
}

// EndAtMinutes sets the end from minutes since the epoch.
func (b *Builder) EndAtMinutes(m int64) *Builder {
	return b.EndAt(utils.FromEpochMinutes(m))
}

// Build validates the template and returns the bounded query. All failures are
// configuration errors.
func (b *Builder) Build() (*Query, error) {
	const op = "query.Build"
	if !b.granularity.Valid() {
		return nil, utils.ConfigError(op, fmt.Sprintf("unknown granularity %q", b.granularity), nil)
	}

	doc, err := extractObject(b.template)
	if err != nil {
		return nil, utils.ConfigError(op, "extract query object", err)
	}
	if !gjson.Valid(doc) {
		return nil, utils.ConfigError(op, "query is not valid JSON", nil)
	}
	for _, field := range requiredFields {
		if !gjson.Get(doc, field).Exists() {
			return nil, utils.ConfigError(op, fmt.Sprintf("query is missing %q", field), nil)
		}
	}
	if !gjson.Get(doc, "granularity").IsObject() {
		return nil, utils.ConfigError(op, "query granularity must be an object", nil)
	}

	intervals := b.intervals
	if intervals <= 0 {
		intervals = b.granularity.DefaultIntervals()
	}
	end := b.end
	if end.IsZero() {
		end = b.now()
	}
	end = end.UTC()
	start := b.granularity.Add(end, -intervals*b.rng)

	doc, err = sjson.Set(doc, "intervals", utils.FormatInterval(start)+"/"+utils.FormatInterval(end))
	if err != nil {
		return nil, utils.ConfigError(op, "set intervals", err)
	}
	doc, err = sjson.Set(doc, "granularity.period", b.granularity.PeriodOf(b.rng))
	if err != nil {
		return nil, utils.ConfigError(op, "set granularity period", err)
	}
	doc, err = sjson.Delete(doc, "granularity.origin")
	if err != nil {
		return nil, utils.ConfigError(op, "drop granularity origin", err)
	}

	return &Query{
		JSON:        doc,
		Granularity: b.granularity,
		Range:       b.rng,
		Intervals:   intervals,
		Start:       start,
		End:         end,
	}, nil
}

// extractObject returns the outermost balanced {...} of s. When several top-level objects
// are present the last one wins. Braces inside string literals are ignored.
func extractObject(s string) (string, error) {
	var stack []int
	var inString, skip bool
	start, end := -1, -1
	for i, r := range s {
		if inString {
			switch {
			case skip:
				skip = false
			case r == '\\':
				skip = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = len(stack) > 0
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) == 0 {
				return "", ErrInvalidSyntax
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				start, end = open, i
			}
		}
	}
	if start < 0 || len(stack) != 0 {
		return "", ErrInvalidSyntax
	}
	return strings.TrimSpace(s[start : end+1]), nil
}
