// Package lineserver speaks the JSON-lines viewer protocol over TCP. It
// is the authoritative transport; the websocket bridge relays to it.
package lineserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"agent-world/viewer"
	"agent-world/viewer/internal/control"
	"agent-world/viewer/internal/proto"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/netevents"
)

const (
	// DefaultMaxConns caps concurrent connections when the config leaves
	// the limit unset.
	DefaultMaxConns = 64

	transportName = "line"
	writeWait     = 10 * time.Second
	maxLineBytes  = 256 * 1024
)

// Config carries line server construction parameters.
type Config struct {
	// Addr is the TCP listen address used by ListenAndServe.
	Addr string
	// MaxConns caps concurrent connections. Values below one fall back to
	// DefaultMaxConns.
	MaxConns  int
	Hub       *viewer.Hub
	Control   control.Context
	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// Server accepts viewer connections and runs one session per connection.
type Server struct {
	addr      string
	maxConns  int
	hub       *viewer.Hub
	control   control.Context
	logger    telemetry.Logger
	publisher logging.Publisher
}

// New constructs a line server bound to the given hub and control plane.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("lineserver: hub is required")
	}
	maxConns := cfg.MaxConns
	if maxConns < 1 {
		maxConns = DefaultMaxConns
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Server{
		addr:      cfg.Addr,
		maxConns:  maxConns,
		hub:       cfg.Hub,
		control:   cfg.Control,
		logger:    cfg.Logger,
		publisher: publisher,
	}, nil
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled. The listener admits at most MaxConns concurrent
// connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, netutil.LimitListener(ln, s.maxConns))
}

// Serve accepts connections from the provided listener until the context
// is cancelled or the listener fails. It waits for open sessions to end
// before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logf("line server listening on %s", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle runs one connection: a writer goroutine drains the session's
// frame stream while this goroutine reads request lines.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	session := s.hub.Attach(transportName, remote)

	writeDone := make(chan struct{})
	go s.writeFrames(conn, session, writeDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.dispatch(session, line)
	}

	reason := "client disconnect"
	if err := scanner.Err(); err != nil {
		reason = fmt.Sprintf("read failed: %v", err)
	}
	s.hub.Detach(session, reason)
	<-writeDone
}

// writeFrames is the sole writer on the connection. It exits when the
// session's frame stream closes or a write fails, closing the connection
// either way so the read side unblocks.
func (s *Server) writeFrames(conn net.Conn, session *viewer.Session, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	writer := bufio.NewWriter(conn)
	for frame := range session.Frames() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := writeLine(writer, frame); err != nil {
			s.hub.Detach(session, fmt.Sprintf("write failed: %v", err))
			return
		}
	}
}

func writeLine(writer *bufio.Writer, frame []byte) error {
	if _, err := writer.Write(frame); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

// dispatch decodes and answers one request line. Decode failures are
// reported to the sender and never affect other connections.
func (s *Server) dispatch(session *viewer.Session, line []byte) {
	frame, err := proto.DecodeClientFrame(line)
	if err != nil {
		netevents.DecodeFailed(context.Background(), s.publisher, session.Actor(), netevents.DecodeFailedPayload{
			Transport: transportName,
			Error:     err.Error(),
		})
		kind := proto.ErrorTransport
		if errors.Is(err, proto.ErrVersionMismatch) {
			kind = proto.ErrorInvalidArgument
		}
		s.replyError(session, frame.Seq, kind, err.Error())
		return
	}

	switch frame.Type {
	case proto.TypeHello:
		data, err := proto.EncodeHelloAck(proto.HelloAck{
			Seq:            frame.Seq,
			ControlProfile: s.hub.Mode().ControlProfile(),
		})
		if err != nil {
			s.logf("failed to encode hello_ack: %v", err)
			return
		}
		s.hub.Send(session, data)
	case proto.TypeSubscribe:
		if err := s.hub.Subscribe(session, frame.Streams, frame.EventKinds); err != nil {
			s.replyError(session, frame.Seq, proto.ErrorInvalidArgument, err.Error())
			return
		}
		s.replyAck(session, frame.Seq)
	case proto.TypeRequestSnapshot:
		data, err := s.hub.SnapshotReply(frame.Seq)
		if err != nil {
			s.logf("failed to encode snapshot reply: %v", err)
			return
		}
		s.hub.Send(session, data)
	case proto.TypeControl:
		if _, ok, reject := control.StageControl(s.control, session.ID(), frame); !ok {
			s.replyError(session, frame.Seq, reject.Kind, reject.Message)
			return
		}
		s.replyAck(session, frame.Seq)
	default:
		s.replyError(session, frame.Seq, proto.ErrorTransport, fmt.Sprintf("unknown request type %q", frame.Type))
	}
}

func (s *Server) replyAck(session *viewer.Session, seq uint64) {
	data, err := proto.EncodeAck(proto.Ack{Seq: seq})
	if err != nil {
		s.logf("failed to encode ack: %v", err)
		return
	}
	s.hub.Send(session, data)
}

func (s *Server) replyError(session *viewer.Session, seq uint64, kind, message string) {
	data, err := proto.EncodeError(proto.ErrorFrame{Seq: seq, Kind: kind, Message: message})
	if err != nil {
		s.logf("failed to encode error frame: %v", err)
		return
	}
	s.hub.Send(session, data)
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
