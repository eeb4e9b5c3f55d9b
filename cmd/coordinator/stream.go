package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(cluster.ErrorResponse{Error: reason.Error()})
	},
}

// handleEventStream pushes every new partition event to a websocket client
// as JSON. The type query parameter limits the stream to some event types.
// Events are not replayed; clients page through the history first.
func (a *api) handleEventStream(c *gin.Context) {
	var types []cluster.PartitionEventType
	for _, v := range queryList(c, "type") {
		typ, err := cluster.ParsePartitionEventType(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		types = append(types, typ)
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	events, cancel := a.coord.Events.Subscribe(streamBuffer)
	defer cancel()

	logger := a.logger.With(zap.String("subject", auth.SubjectName(c)), zap.String("remote", c.ClientIP()))
	logger.Info("event stream opened")

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	goingAway := func(reason string) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(streamWriteWait))
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closing:
			logger.Info("event stream closed for shutdown")
			goingAway("shutting down")
			return
		case <-closed:
			logger.Info("event stream closed by client")
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				goingAway("event log closed")
				return
			}
			if len(types) > 0 && !slices.Contains(types, e.Type) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(e); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
