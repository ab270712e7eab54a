package ingest

import (
	"bufio"
	"context"
	"fmt"
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
	// DefaultMaxTCPConnections is the default maximum number of concurrent TCP connections.
	DefaultMaxTCPConnections = 100
	// DefaultMaxConnectionsPerIP caps connections per source IP.
	// SECURITY: Prevents a single sender from exhausting the connection pool.
	DefaultMaxConnectionsPerIP = 10
	// MaxPort is the maximum valid port number.
	MaxPort = 65535

	// connReadTimeout is how long an idle sensor connection may sit before
	// the listener drops it.
	connReadTimeout = 5 * time.Minute
)

// validatePort checks a port number. Port 0 is allowed for automatic
// assignment, which the tests rely on.
func validatePort(port int) error {
	if port < 0 || port > MaxPort {
		return fmt.Errorf("invalid port number: %d (must be between 0 and %d)", port, MaxPort)
	}
	return nil
}

// Submitter is the slice of the pipeline the ingest layer needs.
type Submitter interface {
	Submit(ctx context.Context, actor core.Actor, reqCtx core.RequestContext, sample core.RawSample) (*core.Observation, error)
}

// SampleDefaults supplies the identity fields a bare protocol line does not
// carry. The wire format is just "SOUND:<n>"; patient, device and unit come
// from deployment configuration.
type SampleDefaults struct {
	PatientID string
	DeviceID  string
	Unit      string
}

// LineListener accepts TCP connections from sound sensors and feeds parsed
// readings into the pipeline. One sensor per connection; each connection's
// lines are submitted sequentially so per-device ordering holds.
type LineListener struct {
	host     string
	port     int
	limiter  *rate.Limiter
	pipeline Submitter
	defaults SampleDefaults
	logger   *zap.SugaredLogger

	tcpListener net.Listener
	stopCh      chan struct{}
	wg          sync.WaitGroup

	connSemaphore       chan struct{}
	maxConnections      int
	ipConnections       map[string]int
	ipConnectionsMutex  sync.RWMutex
	maxConnectionsPerIP int
}

// NewLineListener creates a sensor line listener. rateLimit is the maximum
// sustained samples per second across all connections.
func NewLineListener(host string, port int, rateLimit int, pipeline Submitter, defaults SampleDefaults, logger *zap.SugaredLogger) (*LineListener, error) {
	if err := validatePort(port); err != nil {
		return nil, err
	}
	if rateLimit <= 0 {
		rateLimit = 100
	}
	return &LineListener{
		host:                host,
		port:                port,
		limiter:             rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		pipeline:            pipeline,
		defaults:            defaults,
		logger:              logger,
		stopCh:              make(chan struct{}),
		maxConnections:      DefaultMaxTCPConnections,
		connSemaphore:       make(chan struct{}, DefaultMaxTCPConnections),
		ipConnections:       make(map[string]int),
		maxConnectionsPerIP: DefaultMaxConnectionsPerIP,
	}, nil
}

// Addr returns the bound listener address, or nil before Start.
func (l *LineListener) Addr() net.Addr {
	if l.tcpListener == nil {
		return nil
	}
	return l.tcpListener.Addr()
}

// Start binds the TCP listener and begins accepting sensor connections.
// Returns once the socket is bound; the accept loop runs in a goroutine.
func (l *LineListener) Start() error {
	addr := fmt.Sprintf("%s:%d", l.host, l.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start sensor listener on %s: %w", addr, err)
	}
	l.tcpListener = listener
	l.logger.Infow("Sensor listener started",
		"addr", listener.Addr().String(),
		"max_connections", l.maxConnections,
	)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *LineListener) acceptLoop() {
	defer l.wg.Done()
	defer goroutine.Recover("sensor-accept-loop", l.logger)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		conn, err := l.tcpListener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			l.logger.Errorw("Sensor listener accept error", "error", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		ip, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			ip = remoteAddr
		}

		l.ipConnectionsMutex.RLock()
		ipConnCount := l.ipConnections[ip]
		l.ipConnectionsMutex.RUnlock()

		if ipConnCount >= l.maxConnectionsPerIP {
			l.logger.Warnw("Per-IP connection limit exceeded, rejecting sensor connection",
				"ip", ip, "count", ipConnCount, "limit", l.maxConnectionsPerIP)
			_ = conn.Close()
			continue
		}

		select {
		case l.connSemaphore <- struct{}{}:
			l.ipConnectionsMutex.Lock()
			l.ipConnections[ip]++
			l.ipConnectionsMutex.Unlock()

			l.wg.Add(1)
			go l.handleConnection(conn, ip)
		default:
			l.logger.Warnw("Sensor connection pool full, rejecting connection",
				"limit", l.maxConnections, "remote", remoteAddr)
			_ = conn.Close()
		}
	}
}

func (l *LineListener) handleConnection(conn net.Conn, ip string) {
	defer conn.Close()
	defer l.wg.Done()
	defer func() { <-l.connSemaphore }()
	defer func() {
		l.ipConnectionsMutex.Lock()
		if l.ipConnections[ip] > 0 {
			l.ipConnections[ip]--
		}
		if l.ipConnections[ip] == 0 {
			delete(l.ipConnections, ip)
		}
		l.ipConnectionsMutex.Unlock()
	}()

	// SECURITY: Read deadline prevents idle clients from holding slots open.
	_ = conn.SetReadDeadline(time.Now().Add(connReadTimeout))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-l.stopCh:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		l.processLine(line, conn.RemoteAddr().String())
		_ = conn.SetReadDeadline(time.Now().Add(connReadTimeout))
	}
	if err := scanner.Err(); err != nil {
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			l.logger.Errorw("Sensor connection read error", "remote", ip, "error", err)
		}
	}
}

// processLine parses one protocol line and runs it through the pipeline.
// Malformed lines and pipeline rejections are logged and skipped.
func (l *LineListener) processLine(line, remote string) {
	if !l.limiter.Allow() {
		l.logger.Warnw("Sensor ingest rate limit exceeded, dropping sample", "remote", remote)
		return
	}

	value, err := ParseLine(line)
	if err != nil {
		metrics.MalformedLines.WithLabelValues("listener").Inc()
		l.logger.Warnw("Skipping malformed sensor line", "remote", remote, "error", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("listener").Inc()

	sample := core.RawSample{
		PatientID:  l.defaults.PatientID,
		DeviceID:   l.defaults.DeviceID,
		Code:       core.CodeSound,
		Value:      value,
		Unit:       l.defaults.Unit,
		ObservedAt: time.Now().UTC(),
	}
	actor := core.Actor{ID: "device:" + l.defaults.DeviceID, Role: core.RoleDevice}
	reqCtx := core.RequestContext{IP: remote, Path: "tcp:sensor"}

	if _, err := l.pipeline.Submit(context.Background(), actor, reqCtx, sample); err != nil {
		l.logger.Warnw("Sensor sample rejected by pipeline", "remote", remote, "error", err)
	}
}

// Stop closes the listener and waits for in-flight connections to finish.
func (l *LineListener) Stop() {
	close(l.stopCh)
	if l.tcpListener != nil {
		_ = l.tcpListener.Close()
	}
	l.wg.Wait()
}
