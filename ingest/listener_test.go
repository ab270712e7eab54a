package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"soundsense/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSubmitter records submitted samples for assertions.
type captureSubmitter struct {
	mu      sync.Mutex
	samples []core.RawSample
	actors  []core.Actor
}

func (c *captureSubmitter) Submit(_ context.Context, actor core.Actor, _ core.RequestContext, sample core.RawSample) (*core.Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample)
	c.actors = append(c.actors, actor)
	return &core.Observation{ID: uuid.New()}, nil
}

func (c *captureSubmitter) snapshot() []core.RawSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.RawSample, len(c.samples))
	copy(out, c.samples)
	return out
}

func waitForSamples(t *testing.T, c *captureSubmitter, n int) []core.RawSample {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := c.snapshot()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, have %d", n, len(c.snapshot()))
	return nil
}

func testDefaults() SampleDefaults {
	return SampleDefaults{PatientID: "patient-1", DeviceID: "esp32-01", Unit: "dB"}
}

func TestLineListenerIngestsSamples(t *testing.T) {
	sub := &captureSubmitter{}
	listener, err := NewLineListener("127.0.0.1", 0, 1000, sub, testDefaults(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, listener.Start())
	defer listener.Stop()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "SOUND:100\n")
	fmt.Fprintf(conn, "garbage line\n")
	fmt.Fprintf(conn, "SOUND:200\n")
	fmt.Fprintf(conn, "\n")
	fmt.Fprintf(conn, "SOUND:300\n")

	got := waitForSamples(t, sub, 3)
	require.Len(t, got, 3)

	// Malformed and blank lines are skipped; valid ones keep wire order.
	assert.Equal(t, 100.0, got[0].Value)
	assert.Equal(t, 200.0, got[1].Value)
	assert.Equal(t, 300.0, got[2].Value)

	for _, s := range got {
		assert.Equal(t, "patient-1", s.PatientID)
		assert.Equal(t, "esp32-01", s.DeviceID)
		assert.Equal(t, core.CodeSound, s.Code)
		assert.Equal(t, "dB", s.Unit)
		assert.False(t, s.ObservedAt.IsZero())
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.NotEmpty(t, sub.actors)
	assert.Equal(t, core.RoleDevice, sub.actors[0].Role)
	assert.Equal(t, "device:esp32-01", sub.actors[0].ID)
}

func TestLineListenerRejectsInvalidPort(t *testing.T) {
	_, err := NewLineListener("127.0.0.1", 70000, 100, &captureSubmitter{}, testDefaults(), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestLineListenerStopUnblocks(t *testing.T) {
	sub := &captureSubmitter{}
	listener, err := NewLineListener("127.0.0.1", 0, 100, sub, testDefaults(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, listener.Start())

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		listener.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener.Stop did not return")
	}
}

func TestSerialSourceReadsAndReconnects(t *testing.T) {
	sub := &captureSubmitter{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Serve two short-lived connections; the source must survive the first
	// drop and keep reading on the second.
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fmt.Fprintf(conn, "SOUND:%d\n", (i+1)*100)
			_ = conn.Close()
		}
	}()

	src := NewSerialSource(ln.Addr().String(), 1000, sub, testDefaults(), zap.NewNop().Sugar())
	src.Start()
	defer src.Stop()

	got := waitForSamples(t, sub, 2)
	assert.Equal(t, 100.0, got[0].Value)
	assert.Equal(t, 200.0, got[1].Value)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, core.RoleSystem, sub.actors[0].Role)
	assert.Equal(t, "serial:esp32-01", sub.actors[0].ID)
}

func TestSerialSourceStopWhileDialing(t *testing.T) {
	// Target that never answers.
	sub := &captureSubmitter{}
	src := NewSerialSource("127.0.0.1:1", 100, sub, testDefaults(), zap.NewNop().Sugar())
	src.Start()

	done := make(chan struct{})
	go func() {
		src.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serial source Stop did not return")
	}
}
