package grpc

import (
	"context"
	"encoding/json"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of every fulfillment RPC.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOptions selects the JSON codec on a client connection.
func CallOptions() grpcpkg.DialOption {
	return grpcpkg.WithDefaultCallOptions(grpcpkg.CallContentSubtype(CodecName))
}

// unary builds a method descriptor that decodes Req, runs the interceptor
// chain and calls the typed handler on the registered server S.
func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpcpkg.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpcpkg.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// invoke calls a unary method and decodes a structured error status back
// into its domain error.
func invoke[Resp any](ctx context.Context, conn grpcpkg.ClientConnInterface, service, method string, in any) (*Resp, error) {
	out := new(Resp)
	err := conn.Invoke(ctx, "/"+service+"/"+method, in, out, grpcpkg.CallContentSubtype(CodecName))
	if err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}
