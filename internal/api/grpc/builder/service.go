package builder

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "flatpkg.v1.PackageBuilder"
	// BuildMethod is the full method name of Build.
	BuildMethod = "/" + ServiceName + "/Build"
)

// Response header metadata keys.
const (
	MetadataFilename   = "package-filename"
	MetadataBuildID    = "build-id"
	MetadataIdentifier = "package-identifier"
	MetadataSigned     = "package-signed"
	MetadataMerged     = "package-merged"
	// MetadataBuiltAt carries a binary google.protobuf.Timestamp.
	MetadataBuiltAt = "package-built-at-bin"
)

// Request fields.
const (
	FieldIdentifier         = "identifier"
	FieldVersion            = "version"
	FieldOrgUnit            = "org_unit"
	FieldPackageName        = "package_name"
	FieldSign               = "sign"
	FieldProductArchive     = "product_archive"
	FieldProductArchiveName = "product_archive_name"
)

// BuildServer is the server API of the PackageBuilder service.
type BuildServer interface {
	Build(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the PackageBuilder service.
//
//nolint:gochecknoglobals // Registered by reference, as generated descriptors are.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BuildServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Build",
			Handler:    buildHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flatpkg/v1/builder.proto",
}

// Register adds srv to the gRPC server.
func Register(registrar grpc.ServiceRegistrar, srv BuildServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func buildHandler(
	srv any,
	ctx context.Context, //nolint:revive // Signature fixed by grpc.MethodHandler.
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(BuildServer).Build(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: BuildMethod,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BuildServer).Build(ctx, req.(*structpb.Struct))
	}

	return interceptor(ctx, in, info, handler)
}
