package main

import (
	"context"
	"fmt"
	"os"

	"github.com/eclia/eclia/gateway/internal/infrastructure/execrunner"
	"github.com/eclia/eclia/gateway/internal/infrastructure/logger"
	"github.com/eclia/eclia/gateway/internal/infrastructure/toolhost"
	"go.uber.org/zap"
)

// The tool host is spawned by the gateway with its stdio as the MCP
// transport; logs go to stderr so they never corrupt the protocol stream.
func main() {
	root := os.Getenv("ECLIA_ROOT")
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve workspace root: %v\n", err)
			os.Exit(2)
		}
		root = cwd
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      os.Getenv("ECLIA_LOG_LEVEL"),
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	runner := execrunner.NewRunner(root, log)
	server := toolhost.NewServer(os.Stdin, os.Stdout, runner, log)

	log.Info("Tool host listening on stdio", zap.String("root", root))
	if err := server.Serve(context.Background()); err != nil {
		log.Error("Tool host terminated", zap.Error(err))
		os.Exit(1)
	}
}
