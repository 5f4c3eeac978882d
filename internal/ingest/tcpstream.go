package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	tcpDefaultProtocol = "GPRS"
	tcpMaxLine         = 1 << 20
	tcpIdleTimeout     = 5 * time.Minute
)

type lineReply struct {
	Status  string `json:"status"`
	TraceID string `json:"trace_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Field   string `json:"field,omitempty"`
}

// TCPStream accepts newline-delimited JSON events, the way field gateways
// forward GPRS modem traffic. Each line gets a one-line JSON reply.
type TCPStream struct {
	svc    *Service
	logger *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

func NewTCPStream(svc *Service, logger *slog.Logger) *TCPStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPStream{svc: svc, logger: logger}
}

// Start listens on addr until ctx is done.
func (t *TCPStream) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.ln = ln
	t.logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				t.logger.Warn("tcp stream accept error", "err", err)
				continue
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.serveConn(ctx, conn)
			}()
		}
	}()
	return nil
}

// Addr is the bound listen address, useful when started on port 0.
func (t *TCPStream) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Wait blocks until the listener and every connection have finished.
func (t *TCPStream) Wait() {
	t.wg.Wait()
}

func (t *TCPStream) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), tcpMaxLine)
	enc := json.NewEncoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := enc.Encode(t.handleLine(ctx, line)); err != nil {
			t.logger.Warn("tcp stream write error", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Warn("tcp stream scanner error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

func (t *TCPStream) handleLine(ctx context.Context, line string) lineReply {
	ev, err := DecodeEvent([]byte(line))
	if err == nil {
		if strings.TrimSpace(ev.Protocol) == "" {
			ev.Protocol = tcpDefaultProtocol
		}
		var traceID string
		traceID, err = t.svc.Ingest(ctx, ev)
		if err == nil {
			return lineReply{Status: "queued", TraceID: traceID}
		}
	}
	if verr, ok := IsValidation(err); ok {
		return lineReply{Status: "rejected", Detail: verr.Reason, Field: verr.Field}
	}
	var perr *PublishError
	if errors.As(err, &perr) {
		return lineReply{Status: "error", Detail: perr.Err.Error()}
	}
	return lineReply{Status: "rejected", Detail: err.Error()}
}
