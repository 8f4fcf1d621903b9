package timeseries

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// Bucket is one historical detection window. Start and End are minutes since the epoch;
// the window is [Start, End).
type Bucket struct {
	Start  int64
	End    int64
	Series []*models.Series
}

// EndMinutes is the timestamp, in minutes, of the last bucket-aligned point the window holds.
func (b Bucket) EndMinutes(stepMinutes int64) int64 {
	return b.End - stepMinutes
}

// PartitionOptions controls sub-series post-processing.
type PartitionOptions struct {
	// FillMissing inserts synthetic points for gaps in each sub-series.
	FillMissing bool
	// Aggregation sums consecutive groups of that many points into one.
	Aggregation int
	Logger      *slog.Logger
}

// BucketBounds lays out the windows between start and end (minutes): one per step, each
// lookback steps long. No bucket is produced when the range is shorter than one window.
func BucketBounds(start, end, stepMinutes int64, lookback int) []Bucket {
	if stepMinutes <= 0 || lookback <= 0 {
		return nil
	}
	single := stepMinutes * int64(lookback)
	span := end - (start + single)
	if span < 0 {
		return nil
	}
	n := span/stepMinutes + 1
	buckets := make([]Bucket, 0, n)
	for k := int64(0); k < n; k++ {
		bStart := start + k*stepMinutes
		buckets = append(buckets, Bucket{Start: bStart, End: bStart + single})
	}
	return buckets
}

// Partition splits every source series into per-bucket sub-series with fresh ids. Sources
// are sorted in place. Sub-series shorter than models.MinSeriesPoints are dropped.
func Partition(sources []*models.Series, start, end, stepMinutes int64, lookback int, opts PartitionOptions) []Bucket {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range sources {
		s.SortPoints()
	}

	buckets := BucketBounds(start, end, stepMinutes, lookback)
	for i := range buckets {
		lo, hi := buckets[i].Start*60, buckets[i].End*60
		for _, src := range sources {
			sub := &models.Series{ID: uuid.NewString(), Metric: src.Metric, Source: src.Source}
			for _, p := range src.Points {
				if p.Time >= lo && p.Time < hi {
					sub.Points = append(sub.Points, p)
				}
			}
			if sub.Len() < models.MinSeriesPoints {
				continue
			}
			if opts.FillMissing {
				filled, err := FillMissing(sub, opts.Aggregation)
				if err != nil {
					logger.Warn("dropping unfillable backfill series", slog.String("metric", sub.Metric), slog.Any("error", err))
					continue
				}
				sub = filled
			} else if opts.Aggregation > 1 {
				sub.Points = sumAggregate(sub.Points, opts.Aggregation)
			}
			buckets[i].Series = append(buckets[i].Series, sub)
		}
	}
	return buckets
}
