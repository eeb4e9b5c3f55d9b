package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/coordinator"
)

// api serves the cluster and admin HTTP endpoints.
type api struct {
	coord    *coordinator.Coordinator
	subjects *auth.Subjects
	limiter  *rate.Limiter
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	// closing is closed when the HTTP server shuts down. Event streams
	// are hijacked connections the server does not wait for.
	closing   chan struct{}
	closeOnce sync.Once
}

func newAPI(coord *coordinator.Coordinator, subjects *auth.Subjects, limiter *rate.Limiter, gatherer prometheus.Gatherer, logger *zap.Logger) *api {
	return &api{
		coord:    coord,
		subjects: subjects,
		limiter:  limiter,
		gatherer: gatherer,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// closeStreams ends every open event stream.
func (a *api) closeStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

func (a *api) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))

	router.GET("/health", a.handleHealth)
	if a.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		clusterAPI := v1.Group("/cluster", rateLimit(a.limiter))
		{
			clusterAPI.POST("/agents/register", a.handleRegisterAgent)
			clusterAPI.POST("/agents/connect", a.handleConnectAgent)
			clusterAPI.POST("/agents/shutdown", a.handleAgentShutdown)
			clusterAPI.POST("/agents/ping", a.handleAgentPing)
			clusterAPI.GET("/agents/:name/failover", a.handleAgentFailoverList)
			clusterAPI.POST("/servers/join", a.handleJoin)
			clusterAPI.POST("/servers/heartbeat", a.handleHeartbeat)
			clusterAPI.POST("/servers/leave", a.handleLeave)
		}

		admin := v1.Group("/admin", auth.BasicAuth(a.subjects, a.logger))
		{
			admin.GET("/servers", a.handleListServers)
			admin.GET("/servers/:id", a.handleGetServer)
			admin.GET("/servers/:id/agents", a.handleServerAgents)
			admin.GET("/servers/:id/health", a.handleServerHealth)
			admin.GET("/health", a.handleHealthReport)
			admin.PUT("/servers/mode", a.handleSetMode)
			admin.PUT("/servers/:id/compute-power", a.handleSetComputePower)
			admin.DELETE("/servers", a.handleDeleteServers)

			admin.GET("/agents", a.handleListAgents)
			admin.GET("/agents/:name", a.handleGetAgent)
			admin.DELETE("/agents/:name", a.handleDeleteAgent)

			groups := admin.Group("/affinity-groups")
			{
				groups.GET("", a.handleListGroups)
				groups.POST("", a.handleCreateGroup)
				groups.DELETE("", a.handleDeleteGroups)
				groups.GET("/:id", a.handleGetGroup)
				groups.PUT("/:id", a.handleRenameGroup)
				groups.POST("/:id/agents", a.handleGroupMembers(agentMembers, true))
				groups.DELETE("/:id/agents", a.handleGroupMembers(agentMembers, false))
				groups.POST("/:id/servers", a.handleGroupMembers(serverMembers, true))
				groups.DELETE("/:id/servers", a.handleGroupMembers(serverMembers, false))
				groups.GET("/:id/candidates", a.handleGroupCandidates)
			}

			admin.GET("/partition-events", a.handleListEvents)
			admin.GET("/partition-events/stream", a.handleEventStream)
			admin.GET("/partition-events/:id", a.handleGetEvent)
			admin.DELETE("/partition-events", a.handleDeleteEvents)
			admin.POST("/repartition", a.handleRepartition)

			admin.GET("/subjects", a.handleListSubjects)
			admin.POST("/subjects", a.handleCreateSubject)
			admin.DELETE("/subjects", a.handleDeleteSubjects)
			admin.PUT("/subjects/:name/password", a.handleChangePassword)
		}
	}
	return router
}

// requestLogger logs one line per request at debug level, or at warn level
// for server errors.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if name := auth.SubjectName(c); name != "" {
			fields = append(fields, zap.String("subject", name))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		logger.Debug("request", fields...)
	}
}

// rateLimit rejects requests beyond the limiter's rate with 429.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, cluster.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidArgument),
		errors.Is(err, coordinator.ErrInvalidModeTransition),
		errors.Is(err, coordinator.ErrInvalidEvent),
		errors.Is(err, auth.ErrInvalidPassword),
		errors.Is(err, auth.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrAgentRegistration),
		errors.Is(err, coordinator.ErrAffinityGroup),
		errors.Is(err, coordinator.ErrDuplicateServer),
		errors.Is(err, coordinator.ErrServerInUse),
		errors.Is(err, auth.ErrDuplicateSubject):
		return http.StatusConflict
	case errors.Is(err, auth.ErrProtectedSubject), errors.Is(err, auth.ErrLDAPManaged):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	_ = c.Error(err)
	c.JSON(status, cluster.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
}

// bindJSON decodes and validates the body, answering 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		badRequest(c, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// Query parsing

// queryList returns the values of a repeated or comma separated parameter.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt(c *gin.Context, key string) (int, bool, error) {
	v := c.Query(key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

func queryBool(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func querySort(c *gin.Context) (coordinator.SortOrder, error) {
	switch strings.ToUpper(c.Query("sort")) {
	case "":
		return "", nil
	case string(coordinator.SortAsc):
		return coordinator.SortAsc, nil
	case string(coordinator.SortDesc):
		return coordinator.SortDesc, nil
	default:
		return "", fmt.Errorf("sort must be ASC or DESC, got %q", c.Query("sort"))
	}
}

func queryPage(c *gin.Context) (coordinator.PageControl, error) {
	page, _, err := queryInt(c, "page")
	if err != nil {
		return coordinator.PageControl{}, err
	}
	size, _, err := queryInt(c, "page_size")
	if err != nil {
		return coordinator.PageControl{}, err
	}
	return coordinator.PageControl{Page: page, PageSize: size}, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// nameFilter reads the name and strict parameters shared by all lists.
func nameFilter(c *gin.Context) (string, bool, error) {
	strict, err := queryBool(c, "strict")
	return c.Query("name"), strict, err
}
