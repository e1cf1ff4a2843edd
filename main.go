package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"bci-flight/config"
	"bci-flight/utils"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := serveCmd.String("addr", "", "HTTP listen address (overrides BRIDGE_HTTP_ADDR)")
		profilePath := serveCmd.String("profile", "", "tunables profile path (overrides BRIDGE_PROFILE)")
		serveCmd.Parse(os.Args[2:])

		if *profilePath != "" {
			os.Setenv("BRIDGE_PROFILE", *profilePath)
		}

		cfg, err := config.Load()
		if err != nil {
			logger := utils.GetLogger()
			logger.ErrorContext(context.Background(), "failed to load configuration",
				slog.Any("error", xerrors.New(err)))
			os.Exit(1)
		}
		if *addr != "" {
			cfg.HTTPAddr = *addr
		}
		serve(cfg)
	default:
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}
}
