package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestEdges(t *testing.T) {
	cases := map[string]int{"line": 4, "ring": 5, "full": 10}
	for topo, want := range cases {
		got, err := edges(topo, 5)
		if err != nil {
			t.Fatalf("%s: %v", topo, err)
		}
		if len(got) != want {
			t.Fatalf("%s: %d edges, want %d", topo, len(got), want)
		}
	}
	// 3x3 grid: 6 horizontal + 6 vertical
	if got, _ := edges("grid", 9); len(got) != 12 {
		t.Fatalf("grid: %d edges, want 12", len(got))
	}
	if _, err := edges("star", 3); err == nil {
		t.Fatalf("expected error for unknown topology")
	}
}

func TestSimulateLineRespectsTTL(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	err := simulate(&buf, simOptions{Topology: "line", Nodes: 6, TTL: 2, Packets: 1, Seed: 1})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	out := buf.String()
	// n01 (ttl 2), n02 (ttl 1), n03 (ttl 0) get it; n04 and n05 do not
	if !strings.Contains(out, "reached 3/5 nodes") {
		t.Fatalf("unexpected reach:\n%s", out)
	}
}

func TestSimulateRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	if err := simulate(&buf, simOptions{Topology: "line", Nodes: 1, TTL: 3}); err == nil {
		t.Fatalf("expected error for a single node")
	}
	if err := simulate(&buf, simOptions{Topology: "line", Nodes: 3, TTL: 300}); err == nil {
		t.Fatalf("expected error for ttl out of range")
	}
}
