package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"meshrelay/pkg/config"
	"meshrelay/pkg/packet"
)

func banner(w io.Writer, cfg *config.Config, sender packet.SenderID) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	key := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintln(w, title("meshrelay node"))
	fmt.Fprintf(w, "%s %s\n", key("Device:"), cfg.NodeID)
	fmt.Fprintf(w, "%s %s\n", key("Sender:"), sender)
	fmt.Fprintf(w, "%s %s on %s (%s frames)\n", key("Link:"), cfg.Transport.Kind, cfg.Transport.Listen, cfg.Transport.Format)
	fmt.Fprintf(w, "%s ttl=%d queue=%d window=%s\n", key("Relay:"), cfg.Mesh.DefaultTTL, cfg.Mesh.QueueSize, cfg.Mesh.DedupWindow)
	ids := make([]string, 0, len(cfg.Transport.Peers))
	for _, p := range cfg.Transport.Peers {
		ids = append(ids, p.ID+"@"+p.Addr)
	}
	if len(ids) == 0 {
		ids = append(ids, color.YellowString("none configured"))
	}
	fmt.Fprintf(w, "%s %s\n", key("Peers:"), strings.Join(ids, ", "))
	fmt.Fprintf(w, "%s metrics=%s admin=%s\n", key("Serving:"), orOff(cfg.Metrics.Listen), orOff(cfg.Admin.Listen))
}

func orOff(s string) string {
	if s == "" {
		return "off"
	}
	return s
}
