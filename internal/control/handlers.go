package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openclaw/bridge/internal/envelope"
)

// defaultEventLimit caps GET /api/events when no limit is given.
const defaultEventLimit = 100

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"version": s.cfg.Version,
		"ts":      envelope.Now(),
	})
}

// clientInfo is one registry entry as listed by status and clients.
type clientInfo struct {
	ID        string   `json:"id"`
	CanSendTo []string `json:"canSendTo"`
}

func (s *Server) clientInfos() []clientInfo {
	out := make([]clientInfo, 0, len(s.cfg.Registry.IDs()))
	for _, id := range s.cfg.Registry.IDs() {
		cl, _ := s.cfg.Registry.Lookup(id)
		out = append(out, clientInfo{ID: id, CanSendTo: cl.CanSendTo()})
	}
	return out
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ts":         envelope.Now(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"socketPath": s.cfg.SocketPath,
		"active":     s.cfg.Conns.Counts(),
		"queued":     s.cfg.Queue.Depths(),
		"clients":    s.clientInfos(),
	})
}

func (s *Server) handleClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": s.clientInfos()})
}

// sendRequest is the operator-send body. The envelope's sender is the
// impersonated registered client, which must carry the route permission
// itself; the admin token does not bypass ACLs.
type sendRequest struct {
	AsClient      string          `json:"asClient"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
}

func (s *Server) handleSend(c *gin.Context) {
	// Control bodies get the same ceiling as the stream's parse buffer.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(2*s.cfg.MaxFrameBytes)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if req.AsClient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_as_client"})
		return
	}
	sender, ok := s.cfg.Registry.Lookup(req.AsClient)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_client"})
		return
	}
	if req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_to"})
		return
	}
	if _, ok := s.cfg.Registry.Lookup(req.To); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_target"})
		return
	}
	if !sender.MayRoute(req.To) {
		c.JSON(http.StatusForbidden, gin.H{"error": "route_not_allowed"})
		return
	}

	env := envelope.New(req.ID, sender.ID, req.To, req.Type, req.Payload, req.CorrelationID, time.Now())
	res := s.cfg.Router.Route(env)

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"envelope": env,
		"routed":   res,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}

	events := s.cfg.Recorder.Ring().Snapshot(limit)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

// upgrader accepts any origin: the control plane is a localhost admin
// surface guarded by the token, not a browser-facing one.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventsWS streams ring events as JSON text frames until the peer
// goes away. Events arriving faster than the socket drains are dropped by
// the ring subscription, never buffered without bound.
func (s *Server) handleEventsWS(c *gin.Context) {
	// Subscribe before the 101 goes out, so an event recorded right after
	// the client sees the upgrade cannot fall between upgrade and tail.
	events, cancel := s.cfg.Recorder.Ring().Subscribe(64)
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// Reads only serve to detect the close handshake.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(ev); err != nil {
			return
		}
	}
}
