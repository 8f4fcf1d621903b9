package api

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// FromBackfillStruct converts a {job_id, start, end} struct into a backfill request.
// start and end accept yyyy-MM-ddTHH:mm or RFC3339 and are read as UTC.
func FromBackfillStruct(req *structpb.Struct) (models.BackfillRequest, error) {
	if req == nil {
		return models.BackfillRequest{}, fmt.Errorf("request cannot be nil")
	}
	fields := req.GetFields()

	idValue, ok := fields["job_id"]
	if !ok {
		return models.BackfillRequest{}, fmt.Errorf("job_id is required")
	}
	id, err := int64Field(idValue)
	if err != nil {
		return models.BackfillRequest{}, fmt.Errorf("job_id: %w", err)
	}

	start, err := timeField(fields, "start")
	if err != nil {
		return models.BackfillRequest{}, err
	}
	end, err := timeField(fields, "end")
	if err != nil {
		return models.BackfillRequest{}, err
	}
	if !end.After(start) {
		return models.BackfillRequest{}, fmt.Errorf("end must be after start")
	}

	return models.BackfillRequest{JobID: id, Start: start, End: end}, nil
}

// ToBackfillStruct renders a backfill report as {buckets, failed, findings}.
func ToBackfillStruct(report *engine.BackfillReport) *structpb.Struct {
	if report == nil {
		report = &engine.BackfillReport{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"buckets":  structpb.NewNumberValue(float64(report.Buckets)),
		"failed":   structpb.NewNumberValue(float64(report.Failed)),
		"findings": structpb.NewNumberValue(float64(report.Findings)),
	}}
}

func int64Field(v *structpb.Value) (int64, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n <= 0 {
			return 0, fmt.Errorf("expected a positive integer, got %v", n)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		var id int64
		if _, err := fmt.Sscan(kind.StringValue, &id); err != nil || id <= 0 {
			return 0, fmt.Errorf("expected a positive integer, got %q", kind.StringValue)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", kind)
	}
}

func timeField(fields map[string]*structpb.Value, name string) (time.Time, error) {
	v, ok := fields[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := utils.ParseCLITime(v.GetStringValue())
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t.UTC(), nil
}
