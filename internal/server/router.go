// Package server is the gin HTTP surface of the reference sync server.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/auth"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

const (
	userIDContextKey       = "geomemo_user_id"
	accessTokenQueryKey    = "access_token"
	defaultHeartbeatPeriod = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingStore          = errors.New("store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Store is the owner-scoped entity store behind the routes.
type Store interface {
	CreateMarker(ctx context.Context, ownerID string, marker notes.Marker) (notes.Marker, error)
	UpdateMarker(ctx context.Context, ownerID string, marker notes.Marker) (notes.Marker, error)
	DeleteMarker(ctx context.Context, ownerID string, id notes.MarkerID) error
	CreateMemo(ctx context.Context, ownerID string, memo notes.Memo) (notes.Memo, error)
	UpdateMemo(ctx context.Context, ownerID string, memo notes.Memo) (notes.Memo, error)
	DeleteMemo(ctx context.Context, ownerID string, id notes.MemoID) error
	FetchRegion(ctx context.Context, ownerID string, keys []geo.SpatialKey) (notes.RegionSnapshot, error)
}

type Dependencies struct {
	Store          Store
	TokenValidator TokenValidator
	Logger         *zap.Logger
	Metrics        *metrics.Collectors
	// Gatherer backs /metrics. prometheus.DefaultGatherer is used when nil.
	Gatherer        prometheus.Gatherer
	Realtime        *RealtimeDispatcher
	AllowedOrigins  []string
	HeartbeatPeriod time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	handler := &httpHandler{
		store:     deps.Store,
		tokens:    deps.TokenValidator,
		logger:    logger,
		metrics:   deps.Metrics,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.countRequests)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/markers", handler.handleCreateMarker)
	protected.PUT("/markers/:id", handler.handleUpdateMarker)
	protected.DELETE("/markers/:id", handler.handleDeleteMarker)
	protected.POST("/memos", handler.handleCreateMemo)
	protected.PUT("/memos/:id", handler.handleUpdateMemo)
	protected.DELETE("/memos/:id", handler.handleDeleteMemo)
	protected.GET("/regions", handler.handleFetchRegion)
	if deps.Realtime != nil {
		protected.GET("/stream", handler.handleStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	store     Store
	tokens    TokenValidator
	logger    *zap.Logger
	metrics   *metrics.Collectors
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateMarker(c *gin.Context) {
	var marker notes.Marker
	if err := c.ShouldBindJSON(&marker); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	ownerID := c.GetString(userIDContextKey)
	stored, err := h.store.CreateMarker(c.Request.Context(), ownerID, marker)
	if err != nil {
		h.writeError(c, "create_marker", err)
		return
	}
	h.publish(ownerID, stored.ID.String(), stored.SpatialKey)
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleUpdateMarker(c *gin.Context) {
	var marker notes.Marker
	if err := c.ShouldBindJSON(&marker); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	marker.ID = notes.MarkerID(c.Param("id"))
	ownerID := c.GetString(userIDContextKey)
	stored, err := h.store.UpdateMarker(c.Request.Context(), ownerID, marker)
	if err != nil {
		h.writeError(c, "update_marker", err)
		return
	}
	h.publish(ownerID, stored.ID.String(), stored.SpatialKey)
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleDeleteMarker(c *gin.Context) {
	ownerID := c.GetString(userIDContextKey)
	id := c.Param("id")
	if err := h.store.DeleteMarker(c.Request.Context(), ownerID, notes.MarkerID(id)); err != nil {
		h.writeError(c, "delete_marker", err)
		return
	}
	h.publish(ownerID, id, "")
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateMemo(c *gin.Context) {
	var memo notes.Memo
	if err := c.ShouldBindJSON(&memo); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	ownerID := c.GetString(userIDContextKey)
	stored, err := h.store.CreateMemo(c.Request.Context(), ownerID, memo)
	if err != nil {
		h.writeError(c, "create_memo", err)
		return
	}
	h.publish(ownerID, stored.ID.String(), "")
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleUpdateMemo(c *gin.Context) {
	var memo notes.Memo
	if err := c.ShouldBindJSON(&memo); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	memo.ID = notes.MemoID(c.Param("id"))
	ownerID := c.GetString(userIDContextKey)
	stored, err := h.store.UpdateMemo(c.Request.Context(), ownerID, memo)
	if err != nil {
		h.writeError(c, "update_memo", err)
		return
	}
	h.publish(ownerID, stored.ID.String(), "")
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleDeleteMemo(c *gin.Context) {
	ownerID := c.GetString(userIDContextKey)
	id := c.Param("id")
	if err := h.store.DeleteMemo(c.Request.Context(), ownerID, notes.MemoID(id)); err != nil {
		h.writeError(c, "delete_memo", err)
		return
	}
	h.publish(ownerID, id, "")
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFetchRegion(c *gin.Context) {
	rawKeys := c.QueryArray("key")
	keys := make([]geo.SpatialKey, 0, len(rawKeys))
	for _, raw := range rawKeys {
		keys = append(keys, geo.SpatialKey(raw))
	}
	snapshot, err := h.store.FetchRegion(c.Request.Context(), c.GetString(userIDContextKey), keys)
	if err != nil {
		h.writeError(c, "fetch_region", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type streamPayload struct {
	EntityIDs   []string `json:"entityIds"`
	SpatialKeys []string `json:"spatialKeys"`
	Timestamp   int64    `json:"timestamp"`
	Source      string   `json:"source"`
}

// handleStream pushes region-change events to the owner's other devices as server-sent
// events, with periodic heartbeats to keep proxies from closing the connection.
func (h *httpHandler) handleStream(c *gin.Context) {
	ownerID := c.GetString(userIDContextKey)
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), ownerID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamPayload{
				EntityIDs:   message.EntityIDs,
				SpatialKeys: message.SpatialKeys,
				Timestamp:   message.Timestamp.Unix(),
				Source:      realtimeSourceServer,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, streamPayload{Timestamp: tick.Unix(), Source: realtimeSourceServer})
			return true
		}
	})
}

func (h *httpHandler) publish(ownerID, entityID string, key geo.SpatialKey) {
	if h.realtime == nil {
		return
	}
	message := RealtimeMessage{
		OwnerID:   ownerID,
		EventType: RealtimeEventRegionChanged,
		EntityIDs: []string{entityID},
		Timestamp: time.Now().UTC(),
	}
	if key != "" {
		message.SpatialKeys = []string{key.String()}
	}
	h.realtime.Publish(message)
}

// writeError maps the store's error classification onto HTTP status codes.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var serviceErr interface{ Code() string }
	switch notes.KindOf(err) {
	case notes.KindValidation:
		c.JSON(http.StatusBadRequest, errorPayload{Error: "validation", Message: err.Error()})
	case notes.KindNotFound:
		c.JSON(http.StatusNotFound, errorPayload{Error: "not_found", Message: err.Error()})
	case notes.KindConflict:
		c.JSON(http.StatusConflict, errorPayload{Error: "conflict", Message: err.Error()})
	default:
		code := "internal"
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("request failed",
			zap.String("operation", "server."+operation),
			zap.String("reason", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: code})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		// EventSource cannot set headers, so the stream accepts the token as a query parameter.
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.HTTPRequest(route, strconv.Itoa(c.Writer.Status()))
}
