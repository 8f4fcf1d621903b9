package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/models"
)

func TestFillMissingRepeatsPreviousValue(t *testing.T) {
	s := &models.Series{ID: "a", Points: []models.Point{{Time: 0, Value: 1}, {Time: 60, Value: 2}, {Time: 240, Value: 5}, {Time: 300, Value: 6}}}

	filled, err := FillMissing(s, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.Point{{Time: 0, Value: 1}, {Time: 60, Value: 2}, {Time: 120, Value: 2}, {Time: 180, Value: 2}, {Time: 240, Value: 5}, {Time: 300, Value: 6}}, filled.Points)
	assert.Len(t, s.Points, 4, "source must not be modified")
}

func TestFillMissingAggregates(t *testing.T) {
	s := &models.Series{ID: "a", Points: []models.Point{{Time: 0, Value: 1}, {Time: 60, Value: 2}, {Time: 120, Value: 3}, {Time: 180, Value: 4}, {Time: 240, Value: 5}}}

	filled, err := FillMissing(s, 2)
	require.NoError(t, err)
	assert.Equal(t, []models.Point{{Time: 0, Value: 3}, {Time: 120, Value: 7}, {Time: 240, Value: 5}}, filled.Points)
}

func TestFillMissingNeedsIncreasingTimes(t *testing.T) {
	s := &models.Series{ID: "a", Points: []models.Point{{Time: 60, Value: 1}, {Time: 60, Value: 2}}}
	_, err := FillMissing(s, 1)
	assert.Error(t, err)
}

func TestDominantPeriodPrefersSmallerOnTie(t *testing.T) {
	points := []models.Point{{Time: 0, Value: 0}, {Time: 60, Value: 0}, {Time: 180, Value: 0}}
	assert.Equal(t, int64(60), dominantPeriod(points))
}
