package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/chatgate/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool               `help:"Enable debug mode." env:"CHATGATE_DEBUG"`
		Version kong.VersionFlag   `help:"Print version and exit."`
		Server  commands.ServerCmd `cmd:"" help:"Start the server"`
	}
)

func main() {
	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	cmd := kong.Parse(&cli,
		kong.Name("chatgate"),
		kong.Description("Request gatekeeper and streaming chat proxy."),
		kong.Vars{
			"version": version,
		})
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
