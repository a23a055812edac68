package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toxicbuild/toxicmaster/common/util"
	"github.com/toxicbuild/toxicmaster/common/version"
	"github.com/toxicbuild/toxicmaster/server/app"
)

func main() {
	fmt.Printf("toxicmaster v%s\n", version.VersionToString())
	fmt.Printf("Starting with args: %v\n", util.FilterOSArgs(os.Args, app.LogSafeFlags))

	config, err := app.ConfigFromFlags()
	if err != nil {
		log.Fatalf("Error parsing flags: %s", err)
	}

	server, cleanup, err := app.NewServer(context.Background(), config)
	if err != nil {
		log.Fatalf("Error creating server: %s", err)
	}
	defer cleanup()

	err = server.Start(context.Background())
	if err != nil {
		log.Fatalf("Error starting server: %s", err)
	}

	// Wait for SIGINT or SIGTERM before shutting down
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute*5)
	defer cancel()
	server.Shutdown(ctx)
	log.Print("Server shutdown complete")
}
