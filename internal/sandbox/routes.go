package sandbox

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/db"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/models"
	"gorm.io/gorm"
)

// tenantKey is the gin context key holding the resolved tenant id.
const tenantKey = "tenant_id"

// registerRoutes sets up every backend route on the router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { ok(c, gin.H{"status": "ok"}) })

	r := router.Group("/", s.requireToken(), s.requireTenant())

	r.POST("/channel/session", s.handleCreateSession)
	r.DELETE("/channel/session", s.handleDeleteSession)
	r.GET("/channel/status", s.handleStatus)
	r.POST("/channel/connect", s.handleConnect)
	r.GET("/channel/qr", s.handleQR)
	r.GET("/channel/check-duplicate", s.handleCheckDuplicate)
	r.POST("/channel/force-disconnect", s.handleForceDisconnect)
	r.POST("/channel/disconnect", s.handleDisconnect)

	r.GET("/conversations", s.handleListConversations)
	r.GET("/conversations/:key", s.handleGetConversation)
	r.DELETE("/conversations/:key", s.handleDeleteConversation)
	r.POST("/conversations/:key/read", s.handleMarkRead)
	r.POST("/conversations/:key/send", s.handleSend)
	r.POST("/conversations/:key/retry", s.handleRetry)
	r.POST("/conversations/:key/takeover", s.handleStartTakeover)
	r.DELETE("/conversations/:key/takeover", s.handleEndTakeover)
	r.GET("/processing-status", s.handleProcessingStatus)
	r.GET("/unread-count", s.handleUnreadCount)

	r.POST("/sandbox/pair", s.handlePair)
	r.POST("/sandbox/inbound", s.handleInbound)
}

// ok writes a success envelope.
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, api.Envelope{Success: true, Data: data})
}

// fail writes a failure envelope and aborts the chain.
func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, api.Envelope{Success: false, Error: msg})
}

// internalError logs err and answers 500.
func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.WithError(err).WithField("op", op).Error("sandbox: request failed")
	fail(c, http.StatusInternalServerError, op+" failed")
}

// requireToken checks the bearer credential.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for known := range s.tokens {
			if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
				c.Next()
				return
			}
		}
		fail(c, http.StatusUnauthorized, "invalid bearer token")
	}
}

// requireTenant resolves the X-Tenant-ID header to a known tenant.
func (s *Server) requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(api.TenantHeader))
		if id == "" {
			fail(c, http.StatusBadRequest, "missing "+api.TenantHeader+" header")
			return
		}
		var tenant models.Tenant
		err := s.db.First(&tenant, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusForbidden, "unknown tenant")
			return
		}
		if err != nil {
			s.internalError(c, "resolve tenant", err)
			return
		}
		c.Set(tenantKey, tenant.ID)
		c.Next()
	}
}

func tenantOf(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// recordAudit persists a privileged action and mirrors it to the audit log.
func (s *Server) recordAudit(tx *gorm.DB, tenantID, action, target string, details map[string]interface{}) error {
	if err := db.RecordAudit(tx, tenantID, action, target, details); err != nil {
		return err
	}
	logging.LogAction(s.audit, logging.AuditEntry{
		Action:   action,
		TenantID: tenantID,
		Target:   target,
		Details:  details,
	})
	return nil
}
