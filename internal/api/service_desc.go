package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SchedulerServiceName is the fully qualified name of the admin service.
const SchedulerServiceName = "mirador.detect.v1.Scheduler"

// SchedulerServer is the admin surface over the job queue.
type SchedulerServer interface {
	// ScheduleJob queues the job and returns its first run time in epoch minutes.
	ScheduleJob(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error)
	// StopJob removes the job from the queue and marks it STOPPED.
	StopJob(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error)
	// PeekQueue returns the number of jobs currently due.
	PeekQueue(ctx context.Context, req *emptypb.Empty) (*wrapperspb.Int64Value, error)
	// Backfill re-runs detection over {job_id, start, end}.
	Backfill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// SchedulerServiceDesc describes the admin service for grpc.ServiceRegistrar.
var SchedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: SchedulerServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ScheduleJob", Handler: scheduleJobHandler},
		{MethodName: "StopJob", Handler: stopJobHandler},
		{MethodName: "PeekQueue", Handler: peekQueueHandler},
		{MethodName: "Backfill", Handler: backfillHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/detect/v1/scheduler.proto",
}

var scheduleJobHandler = unaryHandler("ScheduleJob", func(s SchedulerServer, ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error) {
	return s.ScheduleJob(ctx, req)
})

var stopJobHandler = unaryHandler("StopJob", func(s SchedulerServer, ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	return s.StopJob(ctx, req)
})

var peekQueueHandler = unaryHandler("PeekQueue", func(s SchedulerServer, ctx context.Context, req *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return s.PeekQueue(ctx, req)
})

var backfillHandler = unaryHandler("Backfill", func(s SchedulerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.Backfill(ctx, req)
})

// RegisterSchedulerServer registers srv on the given registrar.
func RegisterSchedulerServer(r grpc.ServiceRegistrar, srv SchedulerServer) {
	r.RegisterService(&SchedulerServiceDesc, srv)
}

// methodHandler has the shape grpc.MethodDesc expects for Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler[Req, Resp any](method string, call func(SchedulerServer, context.Context, *Req) (*Resp, error)) methodHandler {
	fullMethod := "/" + SchedulerServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SchedulerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SchedulerClient calls the admin service.
type SchedulerClient struct {
	cc grpc.ClientConnInterface
}

// NewSchedulerClient wraps a client connection.
func NewSchedulerClient(cc grpc.ClientConnInterface) *SchedulerClient {
	return &SchedulerClient{cc: cc}
}

// ScheduleJob queues a job and returns its run time.
func (c *SchedulerClient) ScheduleJob(ctx context.Context, jobID int64, opts ...grpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, c.method("ScheduleJob"), wrapperspb.Int64(jobID), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// StopJob stops a job.
func (c *SchedulerClient) StopJob(ctx context.Context, jobID int64, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, c.method("StopJob"), wrapperspb.Int64(jobID), new(emptypb.Empty), opts...)
}

// PeekQueue returns the number of due jobs.
func (c *SchedulerClient) PeekQueue(ctx context.Context, opts ...grpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, c.method("PeekQueue"), new(emptypb.Empty), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Backfill sends a raw backfill struct.
func (c *SchedulerClient) Backfill(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, c.method("Backfill"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) method(name string) string {
	return "/" + SchedulerServiceName + "/" + name
}
