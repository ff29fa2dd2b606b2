// Command meshrelay-ctl talks to a running node: it checks the gRPC health
// service and can inject a packet over UDP as a transient neighbour.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcgw "meshrelay/pkg/gateway/grpc"
	"meshrelay/pkg/identity"
	"meshrelay/pkg/packet"
	"meshrelay/pkg/transport/udp"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  meshrelay-ctl health [-addr host:port] [-service name]
  meshrelay-ctl inject -to host:port [-payload text] [-ttl n] [-sender uuid]`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	var err error
	switch os.Args[1] {
	case "health":
		err = health(os.Args[2:])
	case "inject":
		err = inject(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fatalf("%s: %v", os.Args[1], err)
	}
}

func health(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9401", "admin gRPC address")
	service := fs.String("service", grpcgw.ServiceName, "health service name (empty for overall)")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	_ = fs.Parse(args)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", *addr, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
	return nil
}

func inject(args []string) error {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	to := fs.String("to", "", "node UDP address")
	body := fs.String("payload", "hello from ctl", "payload text")
	ttl := fs.Uint("ttl", uint(packet.DefaultTTL), "hop budget")
	senderFlag := fs.String("sender", "", "sender UUID (random when empty)")
	_ = fs.Parse(args)
	if *to == "" {
		return fmt.Errorf("-to is required")
	}
	if *ttl > 255 {
		return fmt.Errorf("ttl %d out of range", *ttl)
	}
	sender, err := identity.LoadOrCreate(*senderFlag, "")
	if err != nil {
		return err
	}
	p, err := packet.New(sender, []byte(*body), time.Now())
	if err != nil {
		return err
	}
	p.TTL = uint8(*ttl)

	tr, err := udp.New(udp.Options{Self: "ctl", Listen: "0.0.0.0:0", Peers: []udp.Peer{{ID: "target", Addr: *to}}})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		return err
	}
	defer tr.Close()
	if err := tr.BroadcastPacket(ctx, p); err != nil {
		return err
	}
	fmt.Printf("injected %s ttl=%d to %s\n", p.ID(), p.TTL, *to)
	return nil
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
