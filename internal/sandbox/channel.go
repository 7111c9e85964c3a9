package sandbox

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/models"
	"gorm.io/gorm"
)

// qrTTL is how long an issued QR stays valid before it is rotated.
const qrTTL = 20 * time.Second

// errAlreadyConnected is reported as success=false, mirroring the pairing
// provider that answers with an error string rather than a status.
const errAlreadyConnected = "already connected"

// loadSession returns the tenant's session row, or nil when there is none.
func (s *Server) loadSession(tx *gorm.DB, tenantID string) (*models.ChannelSession, error) {
	var sess models.ChannelSession
	err := tx.First(&sess, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// sessionOrAbort loads the session, answering 404 or 500 itself when it
// cannot be returned.
func (s *Server) sessionOrAbort(c *gin.Context, op string) *models.ChannelSession {
	sess, err := s.loadSession(s.db, tenantOf(c))
	if err != nil {
		s.internalError(c, op, err)
		return nil
	}
	if sess == nil {
		fail(c, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

func statusOf(sess *models.ChannelSession) api.SessionStatus {
	st := api.SessionStatus{
		Exists:      true,
		Connected:   sess.Connected,
		LoggedIn:    sess.LoggedIn,
		JID:         sess.JID,
		PhoneNumber: sess.PhoneNumber,
	}
	if !sess.LoggedIn {
		st.QRCode = sess.QRCode
	}
	return st
}

// normalizeNumber keeps only the digits of a phone number.
func normalizeNumber(n string) string {
	var b strings.Builder
	for _, r := range n {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// issueQR generates a fresh simulated QR payload.
func issueQR(tenantID string) string {
	raw := "switchboard-pair|" + tenantID + "|" + uuid.NewString()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (s *Server) handleCreateSession(c *gin.Context) {
	tenantID := tenantOf(c)
	var existing bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sess, err := s.loadSession(tx, tenantID)
		if err != nil {
			return err
		}
		if sess != nil {
			existing = true
			return nil
		}
		return tx.Create(&models.ChannelSession{TenantID: tenantID}).Error
	})
	if err != nil {
		s.internalError(c, "create session", err)
		return
	}
	ok(c, api.CreateSessionResult{Existing: existing})
}

func (s *Server) handleStatus(c *gin.Context) {
	sess, err := s.loadSession(s.db, tenantOf(c))
	if err != nil {
		s.internalError(c, "session status", err)
		return
	}
	if sess == nil {
		if s.absentStatusOK {
			ok(c, api.SessionStatus{Exists: false})
			return
		}
		fail(c, http.StatusNotFound, "session not found")
		return
	}
	ok(c, statusOf(sess))
}

func (s *Server) handleConnect(c *gin.Context) {
	sess := s.sessionOrAbort(c, "connect")
	if sess == nil {
		return
	}
	if sess.LoggedIn {
		c.JSON(http.StatusOK, api.Envelope{Success: false, Error: errAlreadyConnected})
		return
	}
	now := time.Now()
	err := s.db.Model(sess).Updates(map[string]interface{}{
		"connected":    true,
		"qr_code":      issueQR(sess.TenantID),
		"qr_issued_at": now,
	}).Error
	if err != nil {
		s.internalError(c, "connect", err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleQR(c *gin.Context) {
	sess := s.sessionOrAbort(c, "fetch qr")
	if sess == nil {
		return
	}
	if sess.LoggedIn {
		ok(c, api.QRResult{})
		return
	}
	if sess.QRCode == "" || sess.QRIssuedAt == nil || time.Since(*sess.QRIssuedAt) > qrTTL {
		now := time.Now()
		sess.QRCode = issueQR(sess.TenantID)
		err := s.db.Model(sess).Updates(map[string]interface{}{
			"connected":    true,
			"qr_code":      sess.QRCode,
			"qr_issued_at": now,
		}).Error
		if err != nil {
			s.internalError(c, "fetch qr", err)
			return
		}
	}
	ok(c, api.QRResult{QRCode: "data:image/png;base64," + sess.QRCode})
}

func (s *Server) handleCheckDuplicate(c *gin.Context) {
	number := normalizeNumber(c.Query("number"))
	if number == "" {
		fail(c, http.StatusBadRequest, "number is required")
		return
	}
	var owner models.ChannelSession
	err := s.db.Where("phone_number = ? AND logged_in = ? AND tenant_id <> ?", number, true, tenantOf(c)).
		Order("updated_at").First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ok(c, api.DuplicateInfo{IsDuplicate: false})
		return
	}
	if err != nil {
		s.internalError(c, "check duplicate", err)
		return
	}
	var tenant models.Tenant
	if err := s.db.First(&tenant, "id = ?", owner.TenantID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.internalError(c, "check duplicate", err)
		return
	}
	ok(c, api.DuplicateInfo{IsDuplicate: true, TenantID: owner.TenantID, TenantName: tenant.Name})
}

// loggedOut is the column set of a session that is no longer paired.
func loggedOut() map[string]interface{} {
	return map[string]interface{}{
		"connected":    false,
		"logged_in":    false,
		"jid":          "",
		"phone_number": "",
		"qr_code":      "",
		"qr_issued_at": nil,
	}
}

func (s *Server) handleForceDisconnect(c *gin.Context) {
	var req api.ForceDisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID := tenantOf(c)
	target := strings.TrimSpace(req.TargetTenantID)
	if target == "" {
		fail(c, http.StatusBadRequest, "targetTenantId is required")
		return
	}
	if target == tenantID {
		fail(c, http.StatusBadRequest, "cannot force-disconnect own session")
		return
	}

	var notFound bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sess, err := s.loadSession(tx, target)
		if err != nil {
			return err
		}
		if sess == nil {
			notFound = true
			return nil
		}
		if err := tx.Model(sess).Updates(loggedOut()).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, tenantID, "channel.force_disconnect", target, map[string]interface{}{
			"phone": sess.PhoneNumber,
		})
	})
	if err != nil {
		s.internalError(c, "force disconnect", err)
		return
	}
	if notFound {
		fail(c, http.StatusNotFound, "target session not found")
		return
	}
	ok(c, nil)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	sess := s.sessionOrAbort(c, "disconnect")
	if sess == nil {
		return
	}
	if err := s.db.Model(sess).Updates(loggedOut()).Error; err != nil {
		s.internalError(c, "disconnect", err)
		return
	}
	s.log.WithField("tenant_id", sess.TenantID).Info("sandbox: session disconnected")
	ok(c, nil)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	tenantID := tenantOf(c)
	var notFound bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sess, err := s.loadSession(tx, tenantID)
		if err != nil {
			return err
		}
		if sess == nil {
			notFound = true
			return nil
		}
		if err := tx.Delete(sess).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, tenantID, "channel.delete_session", tenantID, map[string]interface{}{
			"phone": sess.PhoneNumber,
		})
	})
	if err != nil {
		s.internalError(c, "delete session", err)
		return
	}
	if notFound {
		fail(c, http.StatusNotFound, "session not found")
		return
	}
	ok(c, nil)
}

// pairRequest is the body of POST /sandbox/pair.
type pairRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	JID         string `json:"jid"`
}

// handlePair simulates the tenant's QR being scanned by a phone. The number
// is bound even if another tenant owns it; detecting that is the caller's
// duplicate check.
func (s *Server) handlePair(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	number := normalizeNumber(req.PhoneNumber)
	if number == "" {
		fail(c, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	sess := s.sessionOrAbort(c, "pair")
	if sess == nil {
		return
	}
	if sess.LoggedIn {
		fail(c, http.StatusConflict, errAlreadyConnected)
		return
	}
	jid := req.JID
	if jid == "" {
		jid = number + ":12@s.whatsapp.net"
	}
	err := s.db.Model(sess).Updates(map[string]interface{}{
		"connected":    true,
		"logged_in":    true,
		"jid":          jid,
		"phone_number": number,
		"qr_code":      "",
		"qr_issued_at": nil,
	}).Error
	if err != nil {
		s.internalError(c, "pair", err)
		return
	}
	sess.Connected, sess.LoggedIn, sess.JID, sess.PhoneNumber, sess.QRCode = true, true, jid, number, ""
	ok(c, statusOf(sess))
}
