// Package main is the entry point for the SoundSense ingestion service.
package main

import (
	"context"
	"fmt"
	"os"

	"soundsense/bootstrap"
	"soundsense/cmd"
)

// run initializes and starts the service.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// "simulate" runs the sensor simulator CLI instead of the server.
	if len(os.Args) > 1 && os.Args[1] == "simulate" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		simulateCmd := cmd.NewSimulateCmd()
		if err := simulateCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
