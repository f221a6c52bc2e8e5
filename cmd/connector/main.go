// Package main is the connector process entrypoint: it takes one or more
// configuration file paths, builds the connector, runs it until a shutdown
// signal arrives, and tears it down in reverse construction order.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/app"
	"github.com/flowconnect-run/flowconnect/internal/connector"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <config.yaml> [config2.yaml ...]", os.Args[0])
	}

	conn, err := connector.Load(os.Args[1:], app.DefaultFactories())
	if err != nil {
		log.Fatalf("connector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down", sig)
	case err := <-runErr:
		if err != nil {
			log.Printf("connector exited with error: %v", err)
		}
	}

	conn.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		conn.Cleanup()
		close(done)
	}()

	select {
	case <-done:
		log.Println("shutdown complete")
	case <-time.After(shutdownTimeout):
		log.Println("shutdown timeout exceeded")
	}
}
