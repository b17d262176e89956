// Package builder implements the gRPC transport for the package builder.
//
// The PackageBuilder service has a single unary Build method. Requests are
// google.protobuf.Struct documents, responses carry the artifact bytes in a
// google.protobuf.BytesValue and describe it in response header metadata.
package builder
