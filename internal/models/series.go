package models

import "sort"

// NullLabel marks a dimension combination that could not be resolved.
const NullLabel = "null"

// MinSeriesPoints is the smallest series that detection will accept.
const MinSeriesPoints = 7

// Point is one sample; Time is epoch seconds.
type Point struct {
	Time  int64
	Value float64
}

// Series is an ordered sequence of points for one metric and dimension combination.
type Series struct {
	ID     string
	Metric string
	Source string
	Points []Point
}

// Len returns the number of points.
func (s *Series) Len() int { return len(s.Points) }

// Append adds a point at the end.
func (s *Series) Append(t int64, v float64) {
	s.Points = append(s.Points, Point{Time: t, Value: v})
}

// Last returns the final point.
func (s *Series) Last() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// SortPoints orders points by time, keeping the original order of equal timestamps.
func (s *Series) SortPoints() {
	sort.SliceStable(s.Points, func(i, j int) bool { return s.Points[i].Time < s.Points[j].Time })
}

// Values returns the point values in order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}
