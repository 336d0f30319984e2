// Package syslog accepts drain lines over plain syslog transports, UDP and
// TCP, for sources that cannot post HTTPS drains.
//
// A listener serves a single tenant: every frame is ingested under the
// configured token.
package syslog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"logsnarf/internal/logging"
	"logsnarf/internal/pipeline"
)

// MaxFrameSize bounds a single octet-counted or newline-delimited frame.
const MaxFrameSize = pipeline.MaxLineSize

// Ingester runs one frame through the metric pipeline.
type Ingester interface {
	IngestBytes(ctx context.Context, token string, data []byte) (pipeline.Stats, error)
}

// Config holds syslog ingester configuration.
type Config struct {
	// UDPAddr is the UDP address to listen on (e.g., ":514").
	// Empty string disables UDP.
	UDPAddr string

	// TCPAddr is the TCP address to listen on (e.g., ":514").
	// Empty string disables TCP.
	TCPAddr string

	// Token is the tenant every received frame belongs to.
	Token string

	Pipeline Ingester
	Logger   *slog.Logger
}

// Server accepts syslog messages via UDP and/or TCP.
//
// TCP connections may use either octet-counted framing ("<len> <msg>") or
// newline-delimited framing; each frame is inspected separately.
type Server struct {
	udpAddr  string
	tcpAddr  string
	token    string
	pipeline Ingester
	logger   *slog.Logger

	mu          sync.Mutex
	udpConn     *net.UDPConn
	tcpListener net.Listener
	stats       pipeline.Stats
}

// New creates a syslog ingester.
func New(cfg Config) (*Server, error) {
	if cfg.UDPAddr == "" && cfg.TCPAddr == "" {
		return nil, errors.New("syslog ingester: no UDP or TCP address configured")
	}
	if cfg.Token == "" {
		return nil, errors.New("syslog ingester: token is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("syslog ingester: pipeline is required")
	}
	return &Server{
		udpAddr:  cfg.UDPAddr,
		tcpAddr:  cfg.TCPAddr,
		token:    cfg.Token,
		pipeline: cfg.Pipeline,
		logger:   logging.Default(cfg.Logger).With("component", "ingester", "type", "syslog"),
	}, nil
}

// Run starts the syslog listeners and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if s.udpAddr != "" {
		wg.Go(func() {
			if err := s.runUDP(ctx); err != nil {
				errCh <- err
			}
		})
	}
	if s.tcpAddr != "" {
		wg.Go(func() {
			if err := s.runTCP(ctx); err != nil {
				errCh <- err
			}
		})
	}

	select {
	case <-ctx.Done():
		s.logger.Info("syslog ingester stopping")
		s.shutdown()
		wg.Wait()
		return nil
	case err := <-errCh:
		s.logger.Info("syslog ingester stopping", "error", err)
		s.shutdown()
		wg.Wait()
		return err
	}
}

// Stats returns the accumulated line statistics.
func (s *Server) Stats() pipeline.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
		s.tcpListener = nil
	}
}

func (s *Server) ingest(ctx context.Context, frame []byte) error {
	st, err := s.pipeline.IngestBytes(ctx, s.token, frame)
	s.mu.Lock()
	s.stats.Add(st)
	s.mu.Unlock()
	return err
}

func (s *Server) runUDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.udpAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.udpConn = conn
	s.mu.Unlock()

	s.logger.Info("syslog UDP listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("UDP read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		if err := s.ingest(ctx, buf[:n]); err != nil {
			s.logger.Warn("UDP datagram dropped", "error", err)
		}
	}
}

func (s *Server) runTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.tcpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tcpListener = listener
	s.mu.Unlock()

	s.logger.Info("syslog TCP listener starting", "addr", listener.Addr().String())

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		_ = listener.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))

		conn, err := listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			s.logger.Warn("TCP accept error", "error", err)
			continue
		}

		wg.Go(func() {
			defer func() { _ = conn.Close() }()
			s.handleTCPConn(ctx, conn)
		})
	}
}

func (s *Server) handleTCPConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		frame, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				s.logger.Debug("TCP read error", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := s.ingest(ctx, frame); err != nil {
			s.logger.Warn("TCP frame dropped", "error", err)
			return
		}
	}
}

// readFrame reads one frame, octet-counted when it starts with a digit and
// newline-delimited otherwise.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	first, err := reader.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] >= '0' && first[0] <= '9' {
		return readOctetCounted(reader)
	}
	return readNewlineDelimited(reader)
}

func readNewlineDelimited(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
		}
		if err == nil {
			return trimCRLF(line), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return trimCRLF(line), nil
		}
		return nil, err
	}
}

func trimCRLF(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line
}

// readOctetCounted reads "<len> <msg>" where len is the byte length of msg.
func readOctetCounted(reader *bufio.Reader) ([]byte, error) {
	var length int
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ' ' {
			break
		}
		if b < '0' || b > '9' {
			return nil, errors.New("invalid octet count")
		}
		length = length*10 + int(b-'0')
		if length > MaxFrameSize {
			return nil, errors.New("octet count too large")
		}
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(reader, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// UDPAddr returns the UDP listener address. Only valid after Run has started.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the TCP listener address. Only valid after Run has started.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}
