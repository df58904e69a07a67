// Package ws exposes the participant-facing WebSocket endpoint. Each accepted
// connection performs a join handshake (the first message must be a join),
// registers with the hub, and then splits into the usual read and write
// halves: inbound text frames are signaling or agent commands, inbound binary
// frames are captured audio stamped with the receive time.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/coachflow/coachflow/internal/hub"
	"github.com/coachflow/coachflow/pkg/wire"
)

const (
	handshakeTimeout = 10 * time.Second

	// Participant frames are small; agent settings and ICE blobs fit well
	// under this.
	readLimit = 1 << 20
)

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithOriginPatterns sets the allowed websocket origins. Empty means
// same-origin only, which is the safe default behind the app's own frontend.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithQueueDepth overrides the per-session outbound queue depth.
func WithQueueDepth(depth int) Option {
	return func(s *Server) { s.queueDepth = depth }
}

// Server upgrades HTTP requests to participant sessions.
type Server struct {
	hub        *hub.Hub
	log        *slog.Logger
	origins    []string
	queueDepth int
}

// NewServer creates a Server bound to h.
func NewServer(h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		hub:        h,
		log:        slog.Default(),
		queueDepth: defaultQueueDepth,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	join, err := readJoin(r.Context(), conn)
	if err != nil {
		s.log.Debug("join handshake failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	log := s.log.With("room_id", join.RoomID, "participant", join.UserID)
	sess := newSession(conn, log, s.queueDepth)

	room, err := s.hub.Join(join.RoomID, join.UserID, join.UserName, join.ParticipantType, sess)
	if err != nil {
		log.Info("join rejected", "err", err)
		conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}
	log.Info("participant connected")

	go sess.writeLoop()
	go sess.pingLoop(r.Context())

	err = s.readPump(r.Context(), conn, sess, room, join.UserID)

	// A clean close is an intentional departure; anything else gets the
	// reconnect grace.
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("participant left")
		s.hub.Leave(join.RoomID, join.UserID)
	default:
		log.Info("participant disconnected", "err", err)
		s.hub.Disconnected(join.RoomID, join.UserID)
	}
	sess.Close("connection closed")
}

// readJoin reads and validates the handshake message.
func readJoin(ctx context.Context, conn *websocket.Conn) (wire.Join, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	msgType, data, err := conn.Read(readCtx)
	if err != nil {
		return wire.Join{}, fmt.Errorf("ws: read handshake: %w", err)
	}
	if msgType != websocket.MessageText {
		return wire.Join{}, errors.New("ws: handshake must be a text frame")
	}

	env, err := wire.Parse(data)
	if err != nil {
		return wire.Join{}, fmt.Errorf("ws: handshake: %w", err)
	}
	if env.Type != wire.TypeJoin {
		return wire.Join{}, fmt.Errorf("ws: expected join, got %q", env.Type)
	}

	var join wire.Join
	if err := env.Decode(&join); err != nil {
		return wire.Join{}, err
	}
	if join.RoomID == "" || join.UserID == "" {
		return wire.Join{}, errors.New("ws: join requires roomId and userId")
	}
	// The AI participant is joined internally by its supervisor; external
	// connections may not claim its role.
	if role, err := wire.RoleFromIdentity(join.UserID); err == nil && role == wire.RoleAI {
		return wire.Join{}, fmt.Errorf("ws: identity %q is reserved", join.UserID)
	}
	return join, nil
}

// readPump consumes inbound frames until the connection fails or closes.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session, room *hub.Room, identity string) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
		msgType, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}
		sess.touch()

		if msgType == websocket.MessageBinary {
			room.HandleAudio(identity, data, time.Now())
			continue
		}

		env, err := wire.Parse(data)
		if err != nil {
			s.log.Debug("dropping malformed message",
				"participant", identity, "err", err)
			continue
		}
		room.HandleMessage(identity, env)
	}
}
