// Package grpc carries the bearer token over gRPC metadata: client
// interceptors and PerRPCCredentials attach it, server interceptors check it.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

const (
	// DefaultMetadataKeyAuthorization is the gRPC metadata key for the bearer token
	DefaultMetadataKeyAuthorization = "authorization"

	bearerPrefix = "Bearer "
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyAuthorization: DefaultMetadataKeyAuthorization}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

// BearerFromIncomingContext returns the raw token sent by the client, or "".
func BearerFromIncomingContext(ctx context.Context) string {
	return BearerFromIncomingContextWithConfig(ctx, nil)
}

// BearerFromIncomingContextWithConfig reads the token using the given keys.
func BearerFromIncomingContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(config.MetadataKeyAuthorization) {
		if tok, ok := strings.CutPrefix(v, bearerPrefix); ok && tok != "" {
			return tok
		}
	}
	return ""
}

// BearerToOutgoingContext attaches token to outgoing metadata.
func BearerToOutgoingContext(ctx context.Context, token string) context.Context {
	return BearerToOutgoingContextWithKey(ctx, DefaultMetadataKeyAuthorization, token)
}

// BearerToOutgoingContextWithKey attaches token under a custom key.
func BearerToOutgoingContextWithKey(ctx context.Context, key, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, bearerPrefix+token)
}

type subjectKey struct{}

// SubjectFromContext returns the subject stored by the server interceptors.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
