package builder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/version"
)

// DefaultCallTimeout bounds one remote build.
const DefaultCallTimeout = 5 * time.Minute

// Client calls a remote PackageBuilder.
type Client struct {
	// conn is the underlying gRPC connection to the build server.
	conn *grpc.ClientConn

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
	// dialOptions are appended to the defaults by Dial.
	dialOptions []grpc.DialOption
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithDialOptions appends gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errRequestRequired is returned when Build is called without a request.
	errRequestRequired = errors.New("request must be provided")
	// errRemoteCredential is returned when a request carries a local credential.
	errRemoteCredential = errors.New("remote builds are signed with the server credential")
)

// Dial establishes a gRPC connection to the build server.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy.
func Dial(address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	client := &Client{
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent()),
	}, client.dialOptions...)

	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial build server: %w", err)
	}

	client.conn = conn

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Build asks the server to build req. sign requests a server-side signature.
func (c *Client) Build(ctx context.Context, req *build.Request, sign bool) (*build.Result, error) {
	if req == nil {
		return nil, errRequestRequired
	}

	if req.Credential != nil {
		return nil, errRemoteCredential
	}

	in, err := FromDomainRequest(req, sign)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var (
		header metadata.MD
		out    = new(wrapperspb.BytesValue)
	)

	if err = c.conn.Invoke(callCtx, BuildMethod, in, out, grpc.Header(&header)); err != nil {
		return nil, fmt.Errorf("build package: %w", err)
	}

	result, err := fromMetadata(header)
	if err != nil {
		return nil, err
	}

	result.Content = out.GetValue()

	return result, nil
}

// FromDomainRequest converts req into the request document sent to the server.
func FromDomainRequest(req *build.Request, sign bool) (*structpb.Struct, error) {
	fields := map[string]any{
		FieldIdentifier:  req.Identifier,
		FieldVersion:     req.Version,
		FieldOrgUnit:     req.OrgUnit,
		FieldPackageName: req.PackageName,
		FieldSign:        sign,
	}

	if req.ProductArchive != nil {
		fields[FieldProductArchive] = base64.StdEncoding.EncodeToString(req.ProductArchive.Content)
		fields[FieldProductArchiveName] = req.ProductArchive.Name
	}

	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	return in, nil
}

// fromMetadata rebuilds the result description from response header metadata.
func fromMetadata(md metadata.MD) (*build.Result, error) {
	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}

		return ""
	}

	result := &build.Result{
		Filename:   first(MetadataFilename),
		BuildID:    first(MetadataBuildID),
		Identifier: first(MetadataIdentifier),
	}

	result.Signed, _ = strconv.ParseBool(first(MetadataSigned))
	result.Merged, _ = strconv.ParseBool(first(MetadataMerged))

	if raw := first(MetadataBuiltAt); raw != "" {
		ts := new(timestamppb.Timestamp)
		if err := proto.Unmarshal([]byte(raw), ts); err != nil {
			return nil, fmt.Errorf("decode %s: %w", MetadataBuiltAt, err)
		}

		result.BuiltAt = ts.AsTime()
	}

	return result, nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
