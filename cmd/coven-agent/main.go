// ABOUTME: Entry point for coven-agent
// ABOUTME: Dispatches the serve, status and token subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-agent/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                              _
  ___ _____   _____ _ __         __ _  __ _  ___ _ __ | |_
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ _' |/ _ \ '_ \| __|
| (_| (_) \ V /  __/ | | |_____| (_| | (_| |  __/ | | | |_
 \___\___/ \_/ \___|_| |_|      \__,_|\__, |\___|_| |_|\__|
                                      |___/
`

func usage() {
	fmt.Println("Usage: coven-agent [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Run the agent (default)")
	fmt.Println("  status [--addr A] [--token T]  Print the status of a running agent")
	fmt.Println("  token [--subject S] [--ttl D]  Mint a status API token")
	fmt.Println("  version                        Print the version")
}

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx, args)
	case "token":
		err = runToken(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when it exists and falls back to
// environment-only configuration otherwise.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", fmt.Errorf("no config at %s and environment is incomplete: %w", path, err)
		}
		return cfg, "(environment)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}
