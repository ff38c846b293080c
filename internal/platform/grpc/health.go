package grpc

import (
	"context"
	"fmt"
	"io"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// WatchHealth streams health transitions for the given service and reports
// each SERVING/NOT_SERVING flip through onServing. It returns when the
// stream breaks or the context ends; callers own reconnect policy.
func WatchHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, onServing func(bool)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if onServing == nil {
		return fmt.Errorf("health transition callback is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	stream, err := healthClient.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("open health watch: %w", err)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("health watch closed")
			}
			return fmt.Errorf("health watch: %w", err)
		}
		onServing(response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING)
	}
}
