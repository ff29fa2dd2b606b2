// Command meshrelay-sim floods packets through an in-memory mesh and prints
// what every node saw. It is meant for exploring TTL, topology and link
// failure effects without a network.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"meshrelay/pkg/config"
	"meshrelay/pkg/mesh"
	"meshrelay/pkg/observability"
	"meshrelay/pkg/packet"
	"meshrelay/pkg/transport"
	"meshrelay/pkg/transport/mem"
)

type simOptions struct {
	Topology string
	Nodes    int
	TTL      int
	Packets  int
	FailRate float64
	Seed     uint64
	LogLevel string
}

func main() {
	var o simOptions
	flag.StringVar(&o.Topology, "topology", "line", "line|ring|grid|full")
	flag.IntVar(&o.Nodes, "n", 6, "number of nodes")
	flag.IntVar(&o.TTL, "ttl", int(packet.DefaultTTL), "hop budget of originated packets")
	flag.IntVar(&o.Packets, "packets", 1, "packets originated by node 0")
	flag.Float64Var(&o.FailRate, "fail", 0, "fraction of directed links that fail writes")
	flag.Uint64Var(&o.Seed, "seed", 1, "random seed for failure injection")
	flag.StringVar(&o.LogLevel, "log", "warn", "log level")
	flag.Parse()

	if _, err := observability.SetupLogger(config.LogConfig{Level: o.LogLevel, Format: "console", Outputs: []string{"stderr"}}); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	if err := simulate(os.Stdout, o); err != nil {
		fmt.Fprintln(os.Stderr, "sim:", err)
		os.Exit(1)
	}
}

type simNode struct {
	id        transport.DeviceID
	eng       *mesh.Engine
	delivered atomic.Int64
}

func nodeName(i int) string { return fmt.Sprintf("n%02d", i) }

// edges returns the undirected links of a topology over n nodes.
func edges(topology string, n int) ([][2]int, error) {
	var out [][2]int
	switch topology {
	case "line":
		for i := 0; i+1 < n; i++ {
			out = append(out, [2]int{i, i + 1})
		}
	case "ring":
		for i := 0; i < n; i++ {
			if n > 2 || i+1 < n {
				out = append(out, [2]int{i, (i + 1) % n})
			}
		}
	case "grid":
		w := 1
		for w*w < n {
			w++
		}
		for i := 0; i < n; i++ {
			if (i+1)%w != 0 && i+1 < n {
				out = append(out, [2]int{i, i + 1})
			}
			if i+w < n {
				out = append(out, [2]int{i, i + w})
			}
		}
	case "full":
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				out = append(out, [2]int{i, j})
			}
		}
	default:
		return nil, fmt.Errorf("unknown topology %q", topology)
	}
	return out, nil
}

func simulate(w io.Writer, o simOptions) error {
	if o.Nodes < 2 {
		return fmt.Errorf("need at least 2 nodes, got %d", o.Nodes)
	}
	if o.TTL < 0 || o.TTL > 255 {
		return fmt.Errorf("ttl %d out of range", o.TTL)
	}
	links, err := edges(o.Topology, o.Nodes)
	if err != nil {
		return err
	}
	hub, err := mem.NewHub()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	failed := 0
	for _, l := range links {
		a, b := nodeName(l[0]), nodeName(l[1])
		hub.Link(a, b)
		for _, d := range [][2]string{{a, b}, {b, a}} {
			if rng.Float64() < o.FailRate {
				hub.Fail(d[0], d[1], true)
				failed++
			}
		}
	}

	nodes := make([]*simNode, o.Nodes)
	for i := range nodes {
		n := &simNode{id: nodeName(i)}
		eng, err := mesh.New(mesh.Options{Name: n.id, Self: packet.NewSenderID(), RelayPace: -1}, func(_ packet.Packet, _ transport.DeviceID, isRelay bool) {
			if !isRelay {
				n.delivered.Add(1)
			}
		})
		if err != nil {
			return err
		}
		defer eng.Close()
		eng.AttachTransport(hub.Node(n.id), nil)
		n.eng = eng
		nodes[i] = n
	}

	src := nodes[0]
	sender := packet.NewSenderID()
	start := time.Now()
	for i := 0; i < o.Packets; i++ {
		p, err := packet.New(sender, []byte(fmt.Sprintf("sim packet %d", i)), start.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			return err
		}
		p.TTL = uint8(o.TTL)
		if err := src.eng.SendPacket(context.Background(), p); err != nil {
			return err
		}
	}
	if !waitSettled(nodes, 5*time.Second) {
		zap.L().Warn("simulation did not settle before timeout")
	}
	report(w, o, nodes, len(links), failed, time.Since(start))
	return nil
}

func waitSettled(nodes []*simNode, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	quiet := 0
	for time.Now().Before(deadline) {
		busy := false
		for _, n := range nodes {
			if q := n.eng.QueueStatus(); q.IsProcessing || q.Size > 0 {
				busy = true
				break
			}
		}
		if busy {
			quiet = 0
		} else if quiet++; quiet >= 3 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func report(w io.Writer, o simOptions, nodes []*simNode, links, failed int, took time.Duration) {
	head := color.New(color.FgCyan, color.Bold)
	head.Fprintf(w, "%s mesh, %d nodes, %d links (%d directed failing), ttl=%d, %d packet(s), %s\n",
		o.Topology, len(nodes), links, failed, o.TTL, o.Packets, took.Round(time.Millisecond))
	fmt.Fprintf(w, "%-5s %9s %8s %8s %10s %8s %7s\n", "node", "delivered", "relayed", "dup", "bytes", "dropped", "routes")
	reached := 0
	for i, n := range nodes {
		st := n.eng.Stats()
		got := int(n.delivered.Load())
		line := fmt.Sprintf("%-5s %9d %8d %8d %10d %8d %7d", n.id, got, st.PacketsRelayed, st.PacketsDuplicate, st.BytesRelayed, st.PacketsDropped, st.ActiveRoutes)
		switch {
		case i == 0:
			color.New(color.FgHiBlack).Fprintln(w, line+"  (origin)")
		case got == o.Packets:
			reached++
			color.New(color.FgGreen).Fprintln(w, line)
		case got > 0:
			reached++
			color.New(color.FgYellow).Fprintln(w, line)
		default:
			color.New(color.FgRed).Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "reached %d/%d nodes\n", reached, len(nodes)-1)
}
