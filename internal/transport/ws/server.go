package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/protocol"
	"krumpkraft.io/internal/sim/world"
)

const (
	defaultQueue = 64
	maxQueue     = 512

	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

// Server accepts player connections and bridges them to the runtime.
type Server struct {
	rt  *world.Runtime
	log zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(rt *world.Runtime, logger zerolog.Logger) *Server {
	return &Server{
		rt:  rt,
		log: logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}
		log := s.log.With().Str("session", sessionID).Logger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
							time.Now().Add(time.Second))
						cancel()
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.Validate(msg)
			if err != nil {
				log.Debug().Err(err).Msg("dropping invalid message")
				continue
			}
			if base.Type != protocol.TypeChat {
				continue
			}
			var chat protocol.ChatMsg
			if err := json.Unmarshal(msg, &chat); err != nil {
				continue
			}
			if chat.ProtocolVersion != protocol.Version {
				continue
			}
			if !s.rt.Chat(sessionID, chat.Text) {
				break
			}
		}

		// Cleanup.
		s.rt.Leave(sessionID)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", nil
	}
	if _, err := protocol.Validate(msg); err != nil {
		reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return "", nil
	}

	q := hello.MaxQueue
	if q <= 0 {
		q = defaultQueue
	}
	if q > maxQueue {
		q = maxQueue
	}
	out = make(chan []byte, q)

	resp, ok := s.rt.Join(world.JoinRequest{Name: hello.PlayerName, Out: out})
	if !ok {
		reject(conn, protocol.ErrStopping, "server stopping")
		return "", nil
	}

	// Send welcome + the current markers immediately.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.rt.Leave(resp.Welcome.SessionID)
		return "", nil
	}
	for _, e := range resp.Entities {
		if err := writeJSON(conn, e); err != nil {
			s.rt.Leave(resp.Welcome.SessionID)
			return "", nil
		}
	}
	return resp.Welcome.SessionID, out
}

func reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.NewError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
