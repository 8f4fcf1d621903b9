package timeseries

import (
	"fmt"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// FillMissing returns a copy of s where every gap longer than the dominant sampling
// period is filled by repeating the previous value. When aggregation > 1, consecutive
// groups of that many points are summed into one point stamped with the group's first time.
func FillMissing(s *models.Series, aggregation int) (*models.Series, error) {
	out := &models.Series{ID: s.ID, Metric: s.Metric, Source: s.Source}
	if s.Len() < 2 {
		out.Points = append(out.Points, s.Points...)
		return out, nil
	}

	period := dominantPeriod(s.Points)
	if period <= 0 {
		return nil, fmt.Errorf("series %s: cannot infer sampling period", s.ID)
	}

	out.Points = make([]models.Point, 0, s.Len())
	for i, p := range s.Points {
		if i > 0 {
			prev := s.Points[i-1]
			if p.Time-prev.Time != period {
				for ts := prev.Time + period; ts < p.Time; ts += period {
					out.Append(ts, prev.Value)
				}
			}
		}
		out.Points = append(out.Points, p)
	}

	if aggregation > 1 {
		out.Points = sumAggregate(out.Points, aggregation)
	}
	return out, nil
}

// dominantPeriod is the most frequent positive gap between consecutive points; ties go
// to the smaller gap.
func dominantPeriod(points []models.Point) int64 {
	counts := make(map[int64]int)
	for i := 1; i < len(points); i++ {
		if gap := points[i].Time - points[i-1].Time; gap > 0 {
			counts[gap]++
		}
	}
	var best int64
	bestCount := 0
	for gap, n := range counts {
		if n > bestCount || (n == bestCount && gap < best) {
			best, bestCount = gap, n
		}
	}
	return best
}

func sumAggregate(points []models.Point, size int) []models.Point {
	out := make([]models.Point, 0, len(points)/size+1)
	for i := 0; i < len(points); i += size {
		group := models.Point{Time: points[i].Time}
		for j := i; j < i+size && j < len(points); j++ {
			group.Value += points[j].Value
		}
		out = append(out, group)
	}
	return out
}
