package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-detect/internal/engine"
)

func TestFromBackfillStruct(t *testing.T) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"job_id": 42,
		"start":  "2024-05-01T00:00",
		"end":    "2024-05-02T06:30:00Z",
	})
	require.NoError(t, err)

	got, err := FromBackfillStruct(req)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.JobID)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got.Start)
	assert.Equal(t, time.Date(2024, 5, 2, 6, 30, 0, 0, time.UTC), got.End)
}

func TestFromBackfillStructStringID(t *testing.T) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"job_id": "7",
		"start":  "2024-05-01T00:00",
		"end":    "2024-05-01T12:00",
	})
	require.NoError(t, err)

	got, err := FromBackfillStruct(req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.JobID)
}

func TestFromBackfillStructInvalid(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing id":     {"start": "2024-05-01T00:00", "end": "2024-05-02T00:00"},
		"fractional id":  {"job_id": 1.5, "start": "2024-05-01T00:00", "end": "2024-05-02T00:00"},
		"negative id":    {"job_id": -3, "start": "2024-05-01T00:00", "end": "2024-05-02T00:00"},
		"missing start":  {"job_id": 1, "end": "2024-05-02T00:00"},
		"bad end":        {"job_id": 1, "start": "2024-05-01T00:00", "end": "tomorrow"},
		"inverted range": {"job_id": 1, "start": "2024-05-02T00:00", "end": "2024-05-01T00:00"},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			req, err := structpb.NewStruct(fields)
			require.NoError(t, err)
			_, err = FromBackfillStruct(req)
			assert.Error(t, err)
		})
	}

	_, err := FromBackfillStruct(nil)
	assert.Error(t, err)
}

func TestToBackfillStruct(t *testing.T) {
	out := ToBackfillStruct(&engine.BackfillReport{Buckets: 4, Failed: 1, Findings: 2})
	m := out.AsMap()
	assert.Equal(t, float64(4), m["buckets"])
	assert.Equal(t, float64(1), m["failed"])
	assert.Equal(t, float64(2), m["findings"])

	empty := ToBackfillStruct(nil).AsMap()
	assert.Equal(t, float64(0), empty["buckets"])
}
