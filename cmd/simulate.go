// Package cmd contains the CLI commands that run instead of the server.
package cmd

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	simMinValue = 0
	simMaxValue = 1023
)

// NewSimulateCmd builds the sensor simulator command. It emits "SOUND:<n>"
// lines over TCP the way the real firmware does, with values random-walking
// inside the sensor range. Useful for demos and soak testing without
// hardware.
func NewSimulateCmd() *cobra.Command {
	var (
		target   string
		interval time.Duration
		start    int
		step     int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Emit simulated sound-sensor readings over TCP",
		Long: `Connects to the ingest listener and streams SOUND:<n> protocol lines
at a fixed interval. Values random-walk within the 10-bit ADC range.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulator(target, interval, start, step)
		},
	}

	cmd.Flags().StringVar(&target, "target", "127.0.0.1:9300", "ingest listener address (host:port)")
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "delay between readings")
	cmd.Flags().IntVar(&start, "start", 400, "initial sensor value")
	cmd.Flags().IntVar(&step, "step", 40, "maximum random-walk step per reading")
	return cmd
}

func runSimulator(target string, interval time.Duration, start, step int) error {
	if start < simMinValue || start > simMaxValue {
		return fmt.Errorf("start value %d outside sensor range [%d, %d]", start, simMinValue, simMaxValue)
	}
	if step <= 0 {
		return fmt.Errorf("step must be positive, got %d", step)
	}

	conn, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s, emitting every %s (Ctrl+C to stop)\n", target, interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	value := start
	count := 0

	for {
		select {
		case <-sigCh:
			fmt.Printf("\nStopped after %d readings\n", count)
			return nil
		case <-ticker.C:
			value = nextValue(rng, value, step)
			if _, err := fmt.Fprintf(conn, "SOUND:%d\n", value); err != nil {
				return fmt.Errorf("connection lost after %d readings: %w", count, err)
			}
			count++
		}
	}
}

// nextValue random-walks within the sensor range.
func nextValue(rng *rand.Rand, current, step int) int {
	next := current + rng.Intn(2*step+1) - step
	if next < simMinValue {
		next = simMinValue
	}
	if next > simMaxValue {
		next = simMaxValue
	}
	return next
}
