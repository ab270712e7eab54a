package ingest

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"soundsense/core"
	"soundsense/metrics"
	"soundsense/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// reconnectBase is the initial delay after a failed dial or dropped stream.
	reconnectBase = 250 * time.Millisecond
	// reconnectCap bounds the exponential backoff.
	reconnectCap = 5 * time.Second
)

// SerialSource reads the sensor line protocol from a serial-to-TCP bridge
// (ser2net, socat, or the built-in simulator). The source owns its connection
// lifecycle: it dials, reads until the stream drops, then reconnects with
// capped exponential backoff. A dead bridge degrades ingest, it never stops
// the process.
type SerialSource struct {
	target   string
	limiter  *rate.Limiter
	pipeline Submitter
	defaults SampleDefaults
	logger   *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

// NewSerialSource creates a source that reads from target (host:port).
func NewSerialSource(target string, rateLimit int, pipeline Submitter, defaults SampleDefaults, logger *zap.SugaredLogger) *SerialSource {
	if rateLimit <= 0 {
		rateLimit = 100
	}
	return &SerialSource{
		target:   target,
		limiter:  rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		pipeline: pipeline,
		defaults: defaults,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the read loop. It returns immediately; connection failures
// are retried in the background.
func (s *SerialSource) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Serial source started", "target", s.target)
}

func (s *SerialSource) run() {
	defer s.wg.Done()
	defer goroutine.Recover("serial-read-loop", s.logger)

	backoff := reconnectBase
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", s.target, 5*time.Second)
		if err != nil {
			metrics.SourceReconnects.WithLabelValues("serial").Inc()
			s.logger.Warnw("Serial source dial failed, retrying",
				"target", s.target, "backoff", backoff.String(), "error", err)
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.setConn(conn)
		s.logger.Infow("Serial source connected", "target", s.target)
		backoff = reconnectBase

		s.readStream(conn)
		s.setConn(nil)
		_ = conn.Close()

		select {
		case <-s.stopCh:
			return
		default:
			metrics.SourceReconnects.WithLabelValues("serial").Inc()
			s.logger.Warnw("Serial source stream ended, reconnecting", "target", s.target)
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// readStream consumes lines until the connection drops or Stop is called.
// Lines are submitted one at a time, preserving device order.
func (s *SerialSource) readStream(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.processLine(line)
	}
	if err := scanner.Err(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		s.logger.Warnw("Serial source read error", "error", err)
	}
}

func (s *SerialSource) processLine(line string) {
	if !s.limiter.Allow() {
		s.logger.Warnw("Serial ingest rate limit exceeded, dropping sample")
		return
	}

	value, err := ParseLine(line)
	if err != nil {
		metrics.MalformedLines.WithLabelValues("serial").Inc()
		s.logger.Warnw("Skipping malformed serial line", "error", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("serial").Inc()

	sample := core.RawSample{
		PatientID:  s.defaults.PatientID,
		DeviceID:   s.defaults.DeviceID,
		Code:       core.CodeSound,
		Value:      value,
		Unit:       s.defaults.Unit,
		ObservedAt: time.Now().UTC(),
	}
	actor := core.Actor{ID: "serial:" + s.defaults.DeviceID, Role: core.RoleSystem}
	reqCtx := core.RequestContext{Path: "serial:" + s.target}

	if _, err := s.pipeline.Submit(context.Background(), actor, reqCtx, sample); err != nil {
		s.logger.Warnw("Serial sample rejected by pipeline", "error", err)
	}
}

// sleep waits for d or until Stop, reporting false when stopping.
func (s *SerialSource) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *SerialSource) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Stop shuts the source down and waits for the read loop to exit.
func (s *SerialSource) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}
