package main

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

// connection is an agent currently attached to this server.
type connection struct {
	Agent       string    `json:"agent"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping"`
}

// server relays agent traffic to the coordinator and remembers which agents
// are attached.
type server struct {
	name   string
	client *cluster.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]*connection
}

func newServer(name string, client *cluster.Client, logger *zap.Logger) *server {
	return &server{
		name:   name,
		client: client,
		logger: logger,
		now:    time.Now,
		agents: make(map[string]*connection),
	}
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	v1 := router.Group("/v1")
	{
		v1.POST("/agent/connect", s.handleConnect)
		v1.POST("/agent/ping", s.handlePing)
		v1.POST("/agent/shutdown", s.handleShutdown)
		v1.GET("/agents", s.handleAgents)
	}
	return router
}

func (s *server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	n := len(s.agents)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "server": s.name, "agents": n})
}

// relayError answers with the coordinator's status, or 502 when the
// coordinator could not be reached.
func relayError(c *gin.Context, err error) {
	status := cluster.StatusCode(err)
	if status == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, cluster.ErrorResponse{Error: err.Error()})
}

func (s *server) handleConnect(c *gin.Context) {
	var req cluster.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.client.ConnectAgent(c.Request.Context(), req.Agent, s.name); err != nil {
		s.logger.Warn("agent connect rejected", zap.String("agent", req.Agent), zap.Error(err))
		relayError(c, err)
		return
	}

	now := s.now()
	s.mu.Lock()
	s.agents[req.Agent] = &connection{Agent: req.Agent, ConnectedAt: now, LastPing: now}
	s.mu.Unlock()

	s.logger.Info("agent connected", zap.String("agent", req.Agent))
	c.Status(http.StatusNoContent)
}

func (s *server) handlePing(c *gin.Context) {
	var req cluster.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}

	s.mu.Lock()
	conn, ok := s.agents[req.Agent]
	if ok {
		conn.LastPing = s.now()
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusConflict, cluster.ErrorResponse{Error: "agent " + req.Agent + " is not connected to " + s.name})
		return
	}

	if err := s.client.Ping(c.Request.Context(), req.Agent); err != nil {
		relayError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleShutdown(c *gin.Context) {
	var req cluster.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	s.mu.Lock()
	delete(s.agents, req.Agent)
	s.mu.Unlock()

	if err := s.client.AgentShutdown(c.Request.Context(), req.Agent); err != nil {
		relayError(c, err)
		return
	}
	s.logger.Info("agent shut down", zap.String("agent", req.Agent))
	c.Status(http.StatusNoContent)
}

func (s *server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.connections())
}

// connections returns copies of the attached agents sorted by name.
func (s *server) connections() []connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]connection, 0, len(s.agents))
	for _, conn := range s.agents {
		out = append(out, *conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// heartbeat reports liveness every interval. A server the coordinator no
// longer knows (deleted by an administrator) joins again.
func (s *server) heartbeat(ctx context.Context, interval time.Duration, rejoin cluster.JoinRequest) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.client.Heartbeat(ctx, s.name)
			switch {
			case err == nil:
			case cluster.StatusCode(err) == http.StatusNotFound:
				s.logger.Warn("coordinator forgot this server, joining again")
				if _, err := s.client.Join(ctx, rejoin); err != nil && ctx.Err() == nil {
					s.logger.Error("rejoin", zap.Error(err))
				}
			case ctx.Err() == nil:
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
