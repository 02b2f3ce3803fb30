package utils

import (
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client side gRPC connection options.
type GRPCOptions struct {
	// The interval between PING frames.
	KeepAliveTime *time.Duration `mapstructure:"keep_alive_time"`
	// The timeout for a PING frame to be acknowledged.
	KeepAliveTimeout *time.Duration `mapstructure:"keep_alive_timeout"`
	// Send keepalive pings even if there are no active streams.
	KeepAliveWithoutCalls *bool `mapstructure:"keep_alive_without_calls"`
	// Use TLS with the system certificate pool. Plaintext if unset.
	Secure bool `mapstructure:"secure"`
}

func (o *GRPCOptions) ToDialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{}

	if !o.Secure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	kaParams := keepalive.ClientParameters{}

	if o.KeepAliveTime != nil {
		kaParams.Time = *o.KeepAliveTime
	}

	if o.KeepAliveTimeout != nil {
		kaParams.Timeout = *o.KeepAliveTimeout
	}

	if o.KeepAliveWithoutCalls != nil {
		kaParams.PermitWithoutStream = *o.KeepAliveWithoutCalls
	}

	if o.KeepAliveTime != nil || o.KeepAliveTimeout != nil || o.KeepAliveWithoutCalls != nil {
		opts = append(opts, grpc.WithKeepaliveParams(kaParams))
	}

	return opts
}

func (o *GRPCOptions) Log() {
	if o.KeepAliveTime != nil || o.KeepAliveTimeout != nil || o.KeepAliveWithoutCalls != nil {
		log.Info("  gRPC options:")
	}

	if o.KeepAliveTime != nil {
		log.Info("    keep_alive_time =", *o.KeepAliveTime)
	}

	if o.KeepAliveTimeout != nil {
		log.Info("    keep_alive_timeout =", *o.KeepAliveTimeout)
	}

	if o.KeepAliveWithoutCalls != nil {
		log.Info("    keep_alive_without_calls =", *o.KeepAliveWithoutCalls)
	}
}
