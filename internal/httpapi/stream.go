package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/protocol"
	"github.com/luvhive/mysterymatch/internal/session"
)

const streamWriteTimeout = 3 * time.Second

type streamFrame struct {
	Type    string      `json:"type"`
	Version int         `json:"version"`
	State   *chat.State `json:"state,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Stream pushes session snapshots to a local client and accepts the same
// message, typing and read_receipt frames the chat server understands.
func Stream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := d.Hub.Get(r.Context(), keyFrom(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			d.Logger.Debug("stream accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan session.Snapshot, 8)
		clientID := uuid.NewString()
		if err := s.Join(clientID, out); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
			return
		}
		defer s.Leave(clientID)

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				writeFrame(writeCtx, conn, streamFrame{Type: "snapshot", Version: snap.Version, State: &snap.State})
			}
			// Outbox closed: the session is gone or dropped us as too slow.
			_ = conn.Close(websocket.StatusGoingAway, "session ended")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					d.Logger.Debug("stream read failed", zap.Error(err))
				}
				return
			}

			var f protocol.ClientFrame
			if err := json.Unmarshal(data, &f); err != nil {
				writeFrame(r.Context(), conn, streamFrame{Type: "error", Error: "bad json"})
				continue
			}

			switch f.Type {
			case protocol.TypeMessage:
				if err := s.Send(r.Context(), f.Content); err != nil {
					writeFrame(r.Context(), conn, streamFrame{Type: "error", Error: err.Error()})
				}
			case protocol.TypeTyping:
				s.SetTyping(f.IsTyping != nil && *f.IsTyping)
			case protocol.TypeReadReceipt:
				s.MarkRead(f.MessageID)
			case protocol.TypePing:
			default:
				writeFrame(r.Context(), conn, streamFrame{Type: "error", Error: "unknown type"})
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) {
	payload, _ := json.Marshal(f)
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, payload)
}
