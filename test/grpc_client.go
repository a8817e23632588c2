// Command grpc_client probes the warden's gRPC health service. With -watch
// it streams status changes until the timeout expires.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	address = flag.String("address", "localhost:9090", "gRPC server address")
	service = flag.String("service", "silo.warden.Engine", "Health service name; empty checks the whole server")
	watch   = flag.Bool("watch", false, "Stream status changes instead of a single check")
	timeout = flag.Duration("timeout", 10*time.Second, "Overall deadline")
)

func main() {
	flag.Parse()

	log.Printf("Connecting to gRPC server at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *watch {
		watchStatus(ctx, client)
		return
	}

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	log.Printf("service=%q status=%s", *service, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func watchStatus(ctx context.Context, client healthpb.HealthClient) {
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		log.Fatalf("Failed to watch: %v", err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("Receive error: %v", err)
			}
			log.Println("Watch finished")
			return
		}
		log.Printf("service=%q status=%s", *service, resp.GetStatus())
	}
}
