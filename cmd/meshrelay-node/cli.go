package main

import (
	"flag"
	"os"
	"time"
)

// Options holds CLI options for the node.
type Options struct {
	ConfigPath  string
	EnvFile     string
	PrintConfig bool
	Send        string
	SendEvery   time.Duration
	NoBanner    bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("meshrelay-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.EnvFile, "env", ".env", "Dotenv file loaded before the config (missing is fine)")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	fs.StringVar(&opts.Send, "send", "", "Originate a packet with this payload periodically")
	fs.DurationVar(&opts.SendEvery, "send-every", 5*time.Second, "Interval between originated packets")
	fs.BoolVar(&opts.NoBanner, "no-banner", false, "Skip the startup banner")
	_ = fs.Parse(args)
	return opts
}

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
