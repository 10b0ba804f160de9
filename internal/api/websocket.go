package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"execution-core/internal/audit"
	"execution-core/internal/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	streamBuffer = 256
)

func (s *Server) upgrader() websocket.Upgrader {
	allowed := make(map[string]bool, len(s.opts.CORSOrigins))
	allowAll := len(s.opts.CORSOrigins) == 0
	for _, o := range s.opts.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// websocket streams bus events and audit entries as JSON until the client goes away. The
// kinds query parameter narrows the bus events, e.g. ?kinds=execution,stopUpdated.
func (s *Server) websocket(c *gin.Context) {
	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.deps.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	var kinds []events.Kind
	for _, k := range c.QueryArray("kinds") {
		kinds = append(kinds, events.Kind(k))
	}
	stream, unsub := s.deps.Bus.Stream(streamBuffer, kinds...)
	defer unsub()

	entries := make(chan audit.Entry, streamBuffer)
	stopAudit := s.deps.Audit.Subscribe(func(e audit.Entry) {
		select {
		case entries <- e:
		default:
		}
	})
	defer stopAudit()

	// The read side only services control frames and notices the close.
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		var msg any
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			msg = evt
		case e := <-entries:
			msg = events.Event{Kind: events.KindAudit, Time: e.Timestamp, Payload: e}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("ws write failed")
			return
		}
	}
}
