// File: cmd/blazekit/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/blazekit/blazekit/cmd"
	"github.com/blazekit/blazekit/internal/observability"
)

// main wires interrupt signals into the command context so an in-flight
// activation run shuts down gracefully on Ctrl+C.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.ExecuteContext(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
