package sandbox

import (
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

func toAPIConversation(m models.Conversation) api.Conversation {
	return api.Conversation{
		Key:              m.ConversationKey,
		Channel:          api.Channel(m.Channel),
		DisplayName:      m.DisplayName,
		CollectedPhone:   m.CollectedPhone,
		LastMessage:      m.LastMessage,
		LastMessageAt:    m.LastMessageAt,
		UnreadCount:      m.UnreadCount,
		IsTakeover:       m.IsTakeover,
		TakeoverReason:   m.TakeoverReason,
		TakeoverAt:       m.TakeoverAt,
		AIStatus:         api.AIStatus(m.AIStatus),
		AIErrorMessage:   m.AIErrorMessage,
		PendingMessageID: m.PendingMessageID,
	}
}

func toAPIMessage(m models.Message) api.Message {
	msg := api.Message{
		ID:        m.ID,
		Text:      m.Text,
		Direction: api.Direction(m.Direction),
		Source:    api.Source(m.Source),
		Timestamp: m.CreatedAt,
	}
	if m.Direction == string(api.DirectionIn) {
		read := m.IsRead
		msg.IsRead = &read
	}
	return msg
}

// loadConversation returns the tenant's conversation by key, or nil.
func loadConversation(tx *gorm.DB, tenantID, key string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.First(&conv, "tenant_id = ? AND conversation_key = ?", tenantID, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// conversationOrAbort loads the conversation named by the :key parameter.
func (s *Server) conversationOrAbort(c *gin.Context, op string) *models.Conversation {
	conv, err := loadConversation(s.db, tenantOf(c), c.Param("key"))
	if err != nil {
		s.internalError(c, op, err)
		return nil
	}
	if conv == nil {
		fail(c, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

// timeline returns a conversation's messages oldest first.
func timeline(tx *gorm.DB, convID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := tx.Where("conversation_id = ?", convID).Order("created_at ASC").Order("id ASC").Find(&msgs).Error
	return msgs, err
}

func (s *Server) handleListConversations(c *gin.Context) {
	q := s.db.Where("tenant_id = ?", tenantOf(c))
	switch api.Filter(c.DefaultQuery("status", string(api.FilterAll))) {
	case api.FilterAll:
	case api.FilterTakeover:
		q = q.Where("is_takeover = ?", true)
	case api.FilterBot:
		q = q.Where("is_takeover = ?", false)
	default:
		fail(c, http.StatusBadRequest, "status must be all, takeover or bot")
		return
	}
	var convs []models.Conversation
	if err := q.Order("last_message_at DESC").Order("id DESC").Find(&convs).Error; err != nil {
		s.internalError(c, "list conversations", err)
		return
	}
	out := make([]api.Conversation, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toAPIConversation(conv))
	}
	ok(c, out)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv := s.conversationOrAbort(c, "get conversation")
	if conv == nil {
		return
	}
	msgs, err := timeline(s.db, conv.ID)
	if err != nil {
		s.internalError(c, "get conversation", err)
		return
	}
	detail := api.ConversationDetail{
		Conversation: toAPIConversation(*conv),
		Messages:     make([]api.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, toAPIMessage(m))
	}
	ok(c, detail)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	conv := s.conversationOrAbort(c, "mark read")
	if conv == nil {
		return
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND direction = ? AND is_read = ?", conv.ID, api.DirectionIn, false).
			Update("is_read", true).Error; err != nil {
			return err
		}
		return tx.Model(conv).Update("unread_count", 0).Error
	})
	if err != nil {
		s.internalError(c, "mark read", err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleSend(c *gin.Context) {
	var req api.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		fail(c, http.StatusBadRequest, "message is required")
		return
	}
	tenantID := tenantOf(c)
	key := c.Param("key")

	var (
		msg      models.Message
		notFound bool
		conflict bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		conv, err := loadConversation(tx, tenantID, key)
		if err != nil {
			return err
		}
		if conv == nil {
			notFound = true
			return nil
		}
		if !conv.IsTakeover {
			conflict = true
			return nil
		}
		msg = models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Text:           text,
			Direction:      string(api.DirectionOut),
			Source:         string(api.SourceAdmin),
			CreatedAt:      s.stamp(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(conv).Updates(map[string]interface{}{
			"last_message":    text,
			"last_message_at": msg.CreatedAt,
		}).Error
	})
	switch {
	case err != nil:
		s.internalError(c, "send message", err)
	case notFound:
		fail(c, http.StatusNotFound, "conversation not found")
	case conflict:
		fail(c, http.StatusConflict, "conversation is not in takeover")
	default:
		ok(c, toAPIMessage(msg))
	}
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	conv := s.conversationOrAbort(c, "delete conversation")
	if conv == nil {
		return
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.ProcessingStatus{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(conv).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, conv.TenantID, "conversation.delete_history", conv.ConversationKey, map[string]interface{}{
			"messages": count,
		})
	})
	if err != nil {
		s.internalError(c, "delete conversation", err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleStartTakeover(c *gin.Context) {
	var req api.TakeoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		fail(c, http.StatusBadRequest, "reason is required")
		return
	}
	tenantID := tenantOf(c)
	key := c.Param("key")

	var notFound, conflict bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		conv, err := loadConversation(tx, tenantID, key)
		if err != nil {
			return err
		}
		if conv == nil {
			notFound = true
			return nil
		}
		if conv.IsTakeover {
			conflict = true
			return nil
		}
		now := time.Now()
		updates := map[string]interface{}{
			"is_takeover":     true,
			"takeover_reason": reason,
			"takeover_at":     now,
		}
		// An in-flight AI turn is abandoned; its reply will not be sent.
		if conv.AIStatus == string(api.AIStatusProcessing) {
			updates["ai_status"] = string(api.AIStatusIdle)
			updates["pending_message_id"] = ""
		}
		if err := tx.Model(conv).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.ProcessingStatus{}).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, tenantID, "conversation.takeover_start", key, map[string]interface{}{
			"reason": reason,
		})
	})
	switch {
	case err != nil:
		s.internalError(c, "start takeover", err)
	case notFound:
		fail(c, http.StatusNotFound, "conversation not found")
	case conflict:
		fail(c, http.StatusConflict, "conversation is already in takeover")
	default:
		ok(c, nil)
	}
}

// handleEndTakeover returns the conversation to the AI. Ending a takeover
// that is not active is a no-op.
func (s *Server) handleEndTakeover(c *gin.Context) {
	tenantID := tenantOf(c)
	key := c.Param("key")
	var notFound bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		conv, err := loadConversation(tx, tenantID, key)
		if err != nil {
			return err
		}
		if conv == nil {
			notFound = true
			return nil
		}
		if !conv.IsTakeover {
			return nil
		}
		if err := tx.Model(conv).Updates(map[string]interface{}{
			"is_takeover":     false,
			"takeover_reason": "",
			"takeover_at":     nil,
		}).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, tenantID, "conversation.takeover_end", key, nil)
	})
	switch {
	case err != nil:
		s.internalError(c, "end takeover", err)
	case notFound:
		fail(c, http.StatusNotFound, "conversation not found")
	default:
		ok(c, nil)
	}
}

func (s *Server) handleRetry(c *gin.Context) {
	conv := s.conversationOrAbort(c, "retry ai")
	if conv == nil {
		return
	}
	if conv.IsTakeover {
		fail(c, http.StatusConflict, "conversation is in takeover")
		return
	}
	if conv.AIStatus != string(api.AIStatusError) {
		fail(c, http.StatusConflict, "ai is not in error state")
		return
	}
	msgID := conv.PendingMessageID
	if msgID == "" {
		var last models.Message
		err := s.db.Where("conversation_id = ? AND direction = ?", conv.ID, api.DirectionIn).
			Order("created_at DESC").First(&last).Error
		if err != nil {
			fail(c, http.StatusConflict, "no inbound message to retry")
			return
		}
		msgID = last.ID
	}
	if err := s.pipeline.Start(c.Request.Context(), conv.ID, msgID); err != nil {
		s.internalError(c, "retry ai", err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleProcessingStatus(c *gin.Context) {
	type row struct {
		ConversationKey string
		Stage           string
		Message         string
		Progress        int
	}
	var rows []row
	err := s.db.Table("processing_statuses AS p").
		Select("c.conversation_key, p.stage, p.message, p.progress").
		Joins("JOIN conversations c ON c.id = p.conversation_id").
		Where("p.tenant_id = ? AND c.is_takeover = ?", tenantOf(c), false).
		Order("c.conversation_key").
		Scan(&rows).Error
	if err != nil {
		s.internalError(c, "processing status", err)
		return
	}
	out := make([]api.ProcessingStatus, 0, len(rows))
	for _, r := range rows {
		out = append(out, api.ProcessingStatus{
			ConversationKey: r.ConversationKey,
			Stage:           api.Stage(r.Stage),
			Message:         r.Message,
			Progress:        r.Progress,
		})
	}
	ok(c, out)
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	var total int64
	err := s.db.Model(&models.Conversation{}).
		Where("tenant_id = ?", tenantOf(c)).
		Select("COALESCE(SUM(unread_count), 0)").
		Scan(&total).Error
	if err != nil {
		s.internalError(c, "unread count", err)
		return
	}
	ok(c, api.UnreadCount{Count: int(total)})
}

// inboundRequest is the body of POST /sandbox/inbound.
type inboundRequest struct {
	Channel     string `json:"channel"` // WHATSAPP (default) or WEBCHAT
	From        string `json:"from"`    // WhatsApp user id or webchat session id
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
	Message     string `json:"message"`
}

// inboundResult is the payload of POST /sandbox/inbound.
type inboundResult struct {
	ConversationKey string `json:"conversationKey"`
	MessageID       string `json:"messageId"`
	AIHandled       bool   `json:"aiHandled"`
}

// conversationKey derives the stable key of an end-user identity.
func conversationKey(ch api.Channel, from string) string {
	if ch == api.ChannelWebchat {
		return "web_" + from
	}
	if i := strings.IndexByte(from, '@'); i >= 0 {
		from = from[:i]
	}
	return from
}

// handleInbound simulates an end-user message arriving on the channel.
func (s *Server) handleInbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Message)
	from := strings.TrimSpace(req.From)
	if text == "" || from == "" {
		fail(c, http.StatusBadRequest, "from and message are required")
		return
	}
	ch := api.Channel(strings.ToUpper(req.Channel))
	if ch == "" {
		ch = api.ChannelWhatsApp
	}
	if ch != api.ChannelWhatsApp && ch != api.ChannelWebchat {
		fail(c, http.StatusBadRequest, "channel must be WHATSAPP or WEBCHAT")
		return
	}
	tenantID := tenantOf(c)
	key := conversationKey(ch, from)

	var (
		conv models.Conversation
		msg  models.Message
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := loadConversation(tx, tenantID, key)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &models.Conversation{
				TenantID:        tenantID,
				ConversationKey: key,
				Channel:         string(ch),
				DisplayName:     req.DisplayName,
				CollectedPhone:  normalizeNumber(req.Phone),
			}
			if ch == api.ChannelWhatsApp && existing.CollectedPhone == "" {
				existing.CollectedPhone = normalizeNumber(key)
			}
			if err := tx.Create(existing).Error; err != nil {
				return err
			}
		}
		conv = *existing
		msg = models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Text:           text,
			Direction:      string(api.DirectionIn),
			CreatedAt:      s.stamp(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"last_message":    text,
			"last_message_at": msg.CreatedAt,
			"unread_count":    gorm.Expr("unread_count + 1"),
		}
		if req.DisplayName != "" {
			updates["display_name"] = req.DisplayName
		}
		return tx.Model(&conv).Updates(updates).Error
	})
	if err != nil {
		s.internalError(c, "inbound", err)
		return
	}

	res := inboundResult{ConversationKey: key, MessageID: msg.ID}
	if !conv.IsTakeover {
		if err := s.pipeline.Start(c.Request.Context(), conv.ID, msg.ID); err != nil {
			s.internalError(c, "inbound", err)
			return
		}
		res.AIHandled = true
	}
	ok(c, res)
}
