package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yardstitch/internal/composite"
	"yardstitch/internal/config"
	"yardstitch/internal/encode"
	"yardstitch/internal/geometry"
	"yardstitch/internal/mosaic"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/yard"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "yardstitch.v1.Mosaic"

const maxMessageSize = 64 << 20

type yardLookup interface {
	Yard(id string) (storage.YardRecord, error)
}

// MosaicServer serves stitch and inspect calls. Requests are
// google.protobuf.Struct documents of the form
//
//	{"yard": {...descriptor...}} or {"yardId": "north"}, plus optional "options"
//
// mirroring the HTTP request body.
type MosaicServer struct {
	engine   pipeline.Stitcher
	yards    yardLookup
	defaults config.Stitch
	log      *slog.Logger
	health   *health.Server
}

// NewMosaicServer builds the service. store may be nil, in which case only
// inline yards are accepted.
func NewMosaicServer(engine pipeline.Stitcher, store *storage.Store, defaults config.Stitch, log *slog.Logger) *MosaicServer {
	s := &MosaicServer{
		engine:   engine,
		defaults: defaults,
		log:      log,
		health:   health.NewServer(),
	}
	if store != nil {
		s.yards = store
	}
	return s
}

// RegisterWithServer registers the mosaic and health services.
func (s *MosaicServer) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&mosaicServiceDesc, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on addr until ctx is cancelled.
func (s *MosaicServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *MosaicServer) ServeListener(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stitch returns the PNG-encoded mosaic. Coverage figures are sent as
// response header metadata.
func (s *MosaicServer) Stitch(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	d, opts, err := s.decode(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.engine.Stitch(ctx, d, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	body, err := encode.PNG(res.Image)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode mosaic: %v", err)
	}
	grpc.SetHeader(ctx, metadata.Pairs(
		"x-yardstitch-covered", strconv.Itoa(res.Covered),
		"x-yardstitch-contributing", strconv.Itoa(res.Contributing()),
	))
	s.log.Debug("grpc stitch", "yard", string(d.ID), "covered", res.Covered, "bytes", len(body))
	return wrapperspb.Bytes(body), nil
}

// Inspect fits every camera and reports the mapping family and mean
// reprojection error without compositing.
func (s *MosaicServer) Inspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d, opts, err := s.decode(req)
	if err != nil {
		return nil, toStatus(err)
	}
	reports, canvas, err := s.engine.Inspect(ctx, d, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	cams := make([]any, len(reports))
	for i, rep := range reports {
		cams[i] = map[string]any{
			"index":          rep.Index,
			"id":             rep.ID,
			"family":         rep.Family,
			"points":         rep.Points,
			"reprojError":    rep.ReprojError,
			"cornerFallback": rep.Fallback,
			"skipped":        rep.Skipped,
			"stage":          rep.Stage,
			"reason":         rep.Reason,
		}
	}
	out, err := structpb.NewStruct(map[string]any{
		"yard":    string(d.ID),
		"width":   canvas.Width,
		"height":  canvas.Height,
		"cameras": cams,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func (s *MosaicServer) decode(req *structpb.Struct) (yard.Descriptor, mosaic.Options, error) {
	fields := req.AsMap()

	var d yard.Descriptor
	switch {
	case fields["yard"] != nil:
		body, err := json.Marshal(fields["yard"])
		if err != nil {
			return d, mosaic.Options{}, fmt.Errorf("%w: %v", yard.ErrInvalidDescriptor, err)
		}
		if d, err = yard.Parse(body); err != nil {
			return d, mosaic.Options{}, err
		}
	case fields["yardId"] != nil:
		id, _ := fields["yardId"].(string)
		if s.yards == nil {
			return d, mosaic.Options{}, status.Error(codes.FailedPrecondition, "no yard store configured")
		}
		rec, err := s.yards.Yard(id)
		if err != nil {
			return d, mosaic.Options{}, err
		}
		d = rec.Descriptor
	default:
		return d, mosaic.Options{}, fmt.Errorf("%w: request needs yard or yardId", yard.ErrInvalidDescriptor)
	}

	options, _ := fields["options"].(map[string]any)
	opts, err := pipeline.OptionsFromMap(s.defaults, options)
	return d, opts, err
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, geometry.ErrInvalidBoundary),
		errors.Is(err, geometry.ErrInvalidOutputSize),
		errors.Is(err, composite.ErrUnsupportedBlendMode),
		errors.Is(err, yard.ErrInvalidDescriptor):
		code = codes.InvalidArgument
	case errors.Is(err, mosaic.ErrNoCameras):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

type mosaicService interface {
	Stitch(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Inspect(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var mosaicServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*mosaicService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stitch", Handler: stitchHandler},
		{MethodName: "Inspect", Handler: inspectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "yardstitch/v1/mosaic.proto",
}

func stitchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(mosaicService).Stitch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Stitch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(mosaicService).Stitch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func inspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(mosaicService).Inspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Inspect"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(mosaicService).Inspect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
