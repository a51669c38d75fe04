package admin

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/savaki/replyrouter/pkg/models"
	"go.uber.org/zap"
)

// Handler serves the admin API over gin
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an admin handler
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// NewRouter builds the admin engine. An empty token disables authentication.
func NewRouter(svc *Service, token string, logger *zap.Logger) *gin.Engine {
	h := NewHandler(svc, logger)

	r := gin.New()
	r.Use(gin.Recovery(), h.RequestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	bots := r.Group("/api/bots/:botId")
	bots.Use(RequireToken(token))
	{
		bots.GET("/rules", h.ListRules)
		bots.POST("/rules", h.CreateRule)
		bots.POST("/rules/test", h.TestRules)
		bots.PUT("/rules/:ruleId", h.UpdateRule)
		bots.DELETE("/rules/:ruleId", h.DeleteRule)

		bots.GET("/templates", h.ListTemplates)
		bots.POST("/templates", h.CreateTemplate)
		bots.POST("/templates/test", h.TestTemplates)
		bots.PUT("/templates/:templateId", h.UpdateTemplate)
		bots.DELETE("/templates/:templateId", h.DeleteTemplate)

		bots.GET("/settings", h.GetSettings)
		bots.PUT("/settings/custom-logic", h.SetCustomLogic)

		bots.GET("/export", h.Export)
		bots.POST("/import", h.Import)
	}

	conversations := r.Group("/api/conversations/:conversationId")
	conversations.Use(RequireToken(token))
	{
		conversations.GET("", h.GetConversation)
		conversations.PUT("/takeover", h.SetTakeover)
	}
	return r
}

// RequireToken checks the bearer token on every request
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request with zap
func (h *Handler) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) ListRules(c *gin.Context) {
	out, err := h.svc.ListRules(c.Request.Context(), c.Param("botId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": out})
}

func (h *Handler) CreateRule(c *gin.Context) {
	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.svc.CreateRule(c.Request.Context(), c.Param("botId"), rule)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.svc.UpdateRule(c.Request.Context(), c.Param("botId"), c.Param("ruleId"), rule)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.svc.DeleteRule(c.Request.Context(), c.Param("botId"), c.Param("ruleId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) TestRules(c *gin.Context) {
	var in RuleTest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.TestRules(c.Request.Context(), c.Param("botId"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListTemplates(c *gin.Context) {
	out, err := h.svc.ListTemplates(c.Request.Context(), c.Param("botId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": out})
}

func (h *Handler) CreateTemplate(c *gin.Context) {
	var tmpl models.ResponseTemplate
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.svc.CreateTemplate(c.Request.Context(), c.Param("botId"), tmpl)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdateTemplate(c *gin.Context) {
	var tmpl models.ResponseTemplate
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.svc.UpdateTemplate(c.Request.Context(), c.Param("botId"), c.Param("templateId"), tmpl)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeleteTemplate(c *gin.Context) {
	if err := h.svc.DeleteTemplate(c.Request.Context(), c.Param("botId"), c.Param("templateId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) TestTemplates(c *gin.Context) {
	var in TemplateTest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.TestTemplates(c.Request.Context(), c.Param("botId"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.svc.GetSettings(c.Request.Context(), c.Param("botId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type customLogicRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) SetCustomLogic(c *gin.Context) {
	var req customLogicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings, err := h.svc.SetCustomLogic(c.Request.Context(), c.Param("botId"), *req.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) Export(c *gin.Context) {
	bundle, err := h.svc.Export(c.Request.Context(), c.Param("botId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	format := c.DefaultQuery("format", FormatJSON)
	data, err := EncodeBundle(bundle, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	contentType := "application/json"
	if format == FormatYAML {
		contentType = "application/yaml"
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handler) Import(c *gin.Context) {
	replace, _ := strconv.ParseBool(c.DefaultQuery("replace", "false"))

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	format := c.Query("format")
	if format == "" {
		format = FormatFromName(c.ContentType())
	}
	bundle, err := DecodeBundle(data, format)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.svc.Import(c.Request.Context(), c.Param("botId"), bundle, replace)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type takeoverRequest struct {
	TakenOver *bool `json:"takenOver" binding:"required"`
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.svc.GetConversation(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// SetTakeover flips a conversation between live agents and automation
func (h *Handler) SetTakeover(c *gin.Context) {
	var req takeoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := h.svc.SetTakeover(c.Request.Context(), c.Param("conversationId"), *req.TakenOver)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
