// Package temporal dials the Temporal cluster that runs the durable
// PDF post-processing pipeline.
package temporal

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.temporal.io/sdk/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/openmates/core/internal/config"
)

// Dial connects using the application config. A self-hosted cluster needs
// only endpoint and namespace; Temporal Cloud additionally requires the API
// key, which switches on TLS and the namespace routing header.
func Dial(cfg *config.Config) (client.Client, error) {
	if cfg.TemporalEndpoint == "" || cfg.TemporalNamespace == "" {
		return nil, fmt.Errorf("temporal configuration is incomplete: endpoint=%q, namespace=%q",
			cfg.TemporalEndpoint, cfg.TemporalNamespace)
	}

	opts := client.Options{
		HostPort:  cfg.TemporalEndpoint,
		Namespace: cfg.TemporalNamespace,
	}

	if cfg.TemporalAPIKey != "" {
		opts.ConnectionOptions = client.ConnectionOptions{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			DialOptions: []grpc.DialOption{
				grpc.WithUnaryInterceptor(
					func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
						return invoker(
							metadata.AppendToOutgoingContext(ctx, "temporal-namespace", cfg.TemporalNamespace),
							method, req, reply, cc, callOpts...,
						)
					},
				),
			},
		}
		opts.Credentials = client.NewAPIKeyStaticCredentials(cfg.TemporalAPIKey)
	}

	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return c, nil
}
