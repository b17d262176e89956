package builder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
)

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	Build(ctx context.Context, req *build.Request) (*build.Result, error)
}

// Server implements the PackageBuilder gRPC API.
type Server struct {
	// service runs the builds.
	service Service
	// credential signs packages of requests asking for a signature; nil disables signing.
	credential *build.Credential
}

var errFieldType = errors.New("unexpected field type")

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service, credential *build.Credential) *Server {
	return &Server{
		service:    service,
		credential: credential,
	}
}

// Build runs one build and returns the artifact.
func (s *Server) Build(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	r, sign, err := toDomainRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if sign {
		r.Credential = s.credential
	}

	result, err := s.service.Build(ctx, r)
	if err != nil {
		return nil, toStatus(err)
	}

	header, err := resultMetadata(result)
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to encode response metadata")
	}

	if err = grpc.SetHeader(ctx, header); err != nil {
		logger.WarnKV(ctx, "Response header not sent", "error", err)
	}

	return wrapperspb.Bytes(result.Content), nil
}

// toDomainRequest converts the request document. Signing is requested unless "sign" is false.
func toDomainRequest(req *structpb.Struct) (*build.Request, bool, error) {
	fields := req.GetFields()

	r := &build.Request{}
	sign := true

	stringFields := []struct {
		name   string
		target *string
	}{
		{FieldIdentifier, &r.Identifier},
		{FieldVersion, &r.Version},
		{FieldOrgUnit, &r.OrgUnit},
		{FieldPackageName, &r.PackageName},
	}

	for _, field := range stringFields {
		value, err := stringField(fields, field.name)
		if err != nil {
			return nil, false, err
		}

		*field.target = value
	}

	if v, ok := fields[FieldSign]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, false, fmt.Errorf("%w: %s must be a bool", errFieldType, FieldSign)
		}

		sign = b.BoolValue
	}

	encoded, err := stringField(fields, FieldProductArchive)
	if err != nil {
		return nil, false, err
	}

	if encoded != "" {
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", FieldProductArchive, err)
		}

		name, err := stringField(fields, FieldProductArchiveName)
		if err != nil {
			return nil, false, err
		}

		r.ProductArchive = &build.ProductArchive{Content: content, Name: name}
	}

	return r, sign, nil
}

func stringField(fields map[string]*structpb.Value, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", nil
	}

	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("%w: %s must be a string", errFieldType, name)
	}

	return s.StringValue, nil
}

// resultMetadata describes result in response header metadata.
func resultMetadata(result *build.Result) (metadata.MD, error) {
	builtAt, err := proto.Marshal(timestamppb.New(result.BuiltAt))
	if err != nil {
		return nil, err
	}

	return metadata.Pairs(
		MetadataFilename, result.Filename,
		MetadataBuildID, result.BuildID,
		MetadataIdentifier, result.Identifier,
		MetadataSigned, strconv.FormatBool(result.Signed),
		MetadataMerged, strconv.FormatBool(result.Merged),
		MetadataBuiltAt, string(builtAt),
	), nil
}

// toStatus maps build errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, build.ErrInvalidIdentifier),
		errors.Is(err, build.ErrProductArchiveName),
		errors.Is(err, build.ErrIncompleteCredential):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, build.ErrManifestPatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "build timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "build canceled")
	default:
		if stage := build.StageOf(err); stage != "" {
			return status.Errorf(codes.Internal, "build failed at stage %s", stage)
		}

		return status.Error(codes.Internal, "build failed")
	}
}
