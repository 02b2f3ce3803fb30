package remote

import (
	"context"
	"net"
	"strconv"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type prober interface {
	probe(ctx context.Context, address string) bool
}

func newProber(config *Config) (prober, error) {
	switch config.Probe {
	case ProbeGrpc:
		return &grpcProber{port: config.ProbePort, options: config.Grpc.ToDialOptions()}, nil
	case ProbeNone:
		return noProber{}, nil
	default:
		return &tcpProber{port: config.ProbePort}, nil
	}
}

// Connects to a TCP port.
type tcpProber struct {
	port int
}

func (p *tcpProber) probe(ctx context.Context, address string) bool {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(p.port)))
	if err != nil {
		log.Trace("probe - tcp -", address, "err:", err)
		return false
	}
	conn.Close()
	return true
}

// Asks the standard gRPC health service.
type grpcProber struct {
	port    int
	options []grpc.DialOption
}

func (p *grpcProber) probe(ctx context.Context, address string) bool {
	conn, err := grpc.NewClient(net.JoinHostPort(address, strconv.Itoa(p.port)), p.options...)
	if err != nil {
		log.Trace("probe - grpc -", address, "err:", err)
		return false
	}
	defer conn.Close()

	response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Trace("probe - grpc -", address, "err:", err)
		return false
	}

	return response.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

type noProber struct{}

func (noProber) probe(context.Context, string) bool {
	return true
}
