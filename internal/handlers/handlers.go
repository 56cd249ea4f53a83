// Package handlers wires the dashboard HTTP surface. Paths and response
// shapes are a stable contract with the browser dashboard; changing them
// breaks deployed clients.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/aggregation"
	"github.com/dmarcwatch/dashboard-api/internal/realtime"
	"github.com/dmarcwatch/dashboard-api/internal/store"
)

// Handler handles HTTP requests for the dashboard API.
type Handler struct {
	service *aggregation.Service
	hub     *realtime.Hub
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(service *aggregation.Service, hub *realtime.Hub, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", h.HealthCheck)
		api.GET("/stats", h.GetStats)
		api.GET("/reports", h.GetReports)
		api.POST("/reports/process", h.ProcessReport)
		api.POST("/search", h.Search)

		aggregations := api.Group("/aggregations")
		{
			aggregations.GET("/organizations", h.GetTopOrganizations)
			aggregations.GET("/dispositions", h.GetDispositions)
			aggregations.GET("/timeline", h.GetTimeline)
		}

		api.GET("/realtime/ws", h.HandleWebSocket)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
	})
}

// HealthCheck reports per-dependency health. Always 200; degraded
// dependencies appear as field values.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Health(c.Request.Context()))
}

// GetStats returns store-wide report statistics.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetReports returns a filtered, paginated report listing.
func (h *Handler) GetReports(c *gin.Context) {
	page, ok := h.intQuery(c, "page", 1)
	if !ok {
		return
	}
	size, ok := h.intQuery(c, "size", 0)
	if !ok {
		return
	}

	filter := aggregation.ListFilter{
		OrgName:     c.Query("org_name"),
		Domain:      c.Query("domain"),
		Disposition: c.Query("disposition"),
	}
	var err error
	if filter.From, err = h.timeQuery(c, "date_from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date_from parameter"})
		return
	}
	if filter.To, err = h.timeQuery(c, "date_to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date_to parameter"})
		return
	}

	list, err := h.service.ListReports(c.Request.Context(), page, size, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetTopOrganizations returns report counts per reporting organization.
func (h *Handler) GetTopOrganizations(c *gin.Context) {
	size, ok := h.intQuery(c, "size", 0)
	if !ok {
		return
	}

	organizations, err := h.service.TopOrganizations(c.Request.Context(), size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": organizations})
}

// GetDispositions returns record counts per evaluated disposition.
func (h *Handler) GetDispositions(c *gin.Context) {
	dispositions, err := h.service.Dispositions(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispositions": dispositions})
}

// GetTimeline returns the zero-filled report timeline.
func (h *Handler) GetTimeline(c *gin.Context) {
	timeline, err := h.service.Timeline(c.Request.Context(), c.Query("interval"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}

// ProcessReport indexes an externally supplied report document and emits a
// live update for connected dashboards.
func (h *Handler) ProcessReport(c *gin.Context) {
	var doc map[string]interface{}
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or empty JSON"})
		return
	}
	if len(doc) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No data provided"})
		return
	}

	result, err := h.service.ProcessReport(c.Request.Context(), doc)
	if err != nil {
		h.writeError(c, err)
		return
	}

	domain := ""
	if policy, ok := doc["policy_published"].(map[string]interface{}); ok {
		domain, _ = policy["domain"].(string)
	}
	orgName, _ := doc["org_name"].(string)
	h.hub.EmitLiveUpdate(realtime.UpdateNewReport, gin.H{
		"id":        result.ID,
		"org_name":  orgName,
		"domain":    domain,
		"timestamp": doc["@timestamp"],
	})

	c.JSON(http.StatusOK, result)
}

// Search forwards an ad-hoc query body to the report store.
func (h *Handler) Search(c *gin.Context) {
	var body struct {
		Query json.RawMessage `json:"query"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Query) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query required"})
		return
	}

	response, err := h.service.RawSearch(c.Request.Context(), body.Query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", response)
}

// HandleWebSocket upgrades the connection into a notification channel
// session.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

// CORSMiddleware handles CORS for the browser dashboard.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	origin := "*"
	if len(origins) == 1 {
		origin = origins[0]
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps service errors onto the HTTP error contract.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, aggregation.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrTimeout):
		h.logger.Error("store query timed out",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Report store timed out"})
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Error("store unavailable",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Report store not available"})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// intQuery parses an optional integer query parameter, writing a 400 and
// returning false when it is malformed.
func (h *Handler) intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return value, true
}

// timeQuery parses an optional RFC3339 or date-only query parameter.
func (h *Handler) timeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
