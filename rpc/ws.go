package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"workchain/core"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsSubscribeDepth = 512
)

// handleEventsWS streams ledger events. The optional from query parameter
// replays the log from that sequence before live events; type filters by
// event type.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var from uint64
	hasCursor := false
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid from cursor", http.StatusBadRequest)
			return
		}
		from, hasCursor = parsed, true
	}
	filter := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, from, hasCursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, from uint64, replay bool, filter string) error {
	updates, cancel := s.node.Subscribe(wsSubscribeDepth)
	defer cancel()

	var last uint64
	if replay {
		for {
			backlog, err := s.node.Events(from, maxEventsPage)
			if err != nil {
				return err
			}
			for _, rec := range backlog {
				last = rec.Seq
				if err := writeEventRecord(ctx, conn, rec, filter); err != nil {
					return err
				}
			}
			if len(backlog) < maxEventsPage {
				break
			}
			from = last + 1
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if rec.Seq <= last {
				continue
			}
			if err := writeEventRecord(ctx, conn, rec, filter); err != nil {
				return err
			}
		}
	}
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, rec core.EventRecord, filter string) error {
	if filter != "" && rec.Event.Type != filter {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
