package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	ts "github.com/panyam/tokensync"
)

// TokenHolder exposes the current token. *tokensync.Coordinator implements it.
type TokenHolder interface {
	Token() *ts.Token
}

// bearerFor returns the token to send, honouring WithoutJWTAuthentication.
// Like HTTP signing, an expired token is still sent.
func bearerFor(ctx context.Context, holder TokenHolder) string {
	if ts.RequestOptionsFromContext(ctx).SkipJWTAuthentication {
		return ""
	}
	return holder.Token().Raw()
}

// UnaryClientInterceptor attaches the current token to every unary call.
func UnaryClientInterceptor(holder TokenHolder, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if tok := bearerFor(ctx, holder); tok != "" {
			ctx = BearerToOutgoingContextWithKey(ctx, config.MetadataKeyAuthorization, tok)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the current token when a stream opens.
func StreamClientInterceptor(holder TokenHolder, config *Config) grpc.StreamClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if tok := bearerFor(ctx, holder); tok != "" {
			ctx = BearerToOutgoingContextWithKey(ctx, config.MetadataKeyAuthorization, tok)
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// PerRPCCredentials adapts a TokenHolder for grpc.WithPerRPCCredentials.
type PerRPCCredentials struct {
	Holder TokenHolder

	// AllowInsecure lets the token travel over plaintext connections.
	AllowInsecure bool
}

var _ credentials.PerRPCCredentials = (*PerRPCCredentials)(nil)

func (c *PerRPCCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	tok := bearerFor(ctx, c.Holder)
	if tok == "" {
		return nil, nil
	}
	return map[string]string{DefaultMetadataKeyAuthorization: bearerPrefix + tok}, nil
}

func (c *PerRPCCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}

// Verifier checks a raw token and returns its subject.
type Verifier func(token string) (subject string, err error)

// InterceptorConfig configures the server side interceptors.
type InterceptorConfig struct {
	*Config

	// Verify validates tokens. Required when RequireAuth is set.
	Verify Verifier

	// RequireAuth when true rejects calls without a valid token.
	RequireAuth bool

	// PublicMethods is a set of full method names like "/package.Service/Method"
	// that don't require auth.
	PublicMethods map[string]bool
}

// NewInterceptorConfig returns a config that requires auth for all methods
// except publicMethods.
func NewInterceptorConfig(verify Verifier, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Config:        DefaultConfig(),
		Verify:        verify,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

func (config *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	tok := BearerFromIncomingContextWithConfig(ctx, config.Config)
	if tok != "" && config.Verify != nil {
		if sub, err := config.Verify(tok); err == nil {
			return context.WithValue(ctx, subjectKey{}, sub), nil
		}
	}
	if config.RequireAuth && !config.PublicMethods[method] {
		return ctx, status.Error(codes.Unauthenticated, ts.ErrInvalidToken.Error())
	}
	return ctx, nil
}

func (config *InterceptorConfig) ensure() *InterceptorConfig {
	if config == nil {
		config = &InterceptorConfig{RequireAuth: true}
	}
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()
	return config
}

// UnaryAuthInterceptor verifies the bearer token on incoming unary calls.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.ensure()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor verifies the bearer token on incoming streams.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.ensure()
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
