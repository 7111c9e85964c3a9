package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/models"
	"github.com/kelurahan/switchboard/internal/responder"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// replyTimeout bounds one responder call.
const replyTimeout = 60 * time.Second

// stageInfo is the displayed message and progress of each stage.
var stageInfo = map[api.Stage]struct {
	message  string
	progress int
}{
	api.StageReceiving: {"Pesan diterima", 10},
	api.StageReading:   {"Membaca pesan", 25},
	api.StageSearching: {"Mencari informasi", 40},
	api.StageThinking:  {"Menyusun jawaban", 60},
	api.StagePreparing: {"Menyiapkan balasan", 80},
	api.StageSending:   {"Mengirim balasan", 90},
	api.StageCompleted: {"Selesai", 100},
	api.StageError:     {"Gagal memproses pesan", 0},
}

// Pipeline runs AI turns. A turn belongs to the inbound message recorded as
// the conversation's pending message; it stops as soon as a newer message
// supersedes it, a takeover begins or the conversation is deleted.
type Pipeline struct {
	db        *gorm.DB
	responder responder.Responder
	log       *logrus.Logger
	delay     time.Duration
	stamp     func() time.Time

	wg sync.WaitGroup
}

type pipelineOpts struct {
	DB        *gorm.DB
	Responder responder.Responder
	Log       *logrus.Logger
	Delay     time.Duration
	Stamp     func() time.Time
}

func newPipeline(opts pipelineOpts) *Pipeline {
	stamp := opts.Stamp
	if stamp == nil {
		stamp = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		db:        opts.DB,
		responder: opts.Responder,
		log:       opts.Log,
		delay:     opts.Delay,
		stamp:     stamp,
	}
}

// Start begins the AI turn for msgID. With no stage delay the turn runs to
// completion before Start returns.
func (p *Pipeline) Start(ctx context.Context, convID uint, msgID string) error {
	started, err := p.begin(convID, msgID)
	if err != nil {
		return fmt.Errorf("sandbox: pipeline: begin: %w", err)
	}
	if !started {
		return nil
	}
	if p.delay <= 0 {
		p.run(ctx, convID, msgID)
		return nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(context.Background(), convID, msgID)
	}()
	return nil
}

// Wait blocks until every running turn has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// begin marks the conversation as processing and supersedes any earlier
// turn. It reports false when the AI must stay silent.
func (p *Pipeline) begin(convID uint, msgID string) (bool, error) {
	started := false
	err := p.db.Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		err := tx.First(&conv, convID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if conv.IsTakeover {
			return nil
		}
		if err := tx.Model(&conv).Updates(map[string]interface{}{
			"ai_status":          string(api.AIStatusProcessing),
			"ai_error_message":   "",
			"pending_message_id": msgID,
		}).Error; err != nil {
			return err
		}
		started = true
		return saveStatus(tx, conv, api.StageReceiving, "")
	})
	return started, err
}

// saveStatus upserts the conversation's processing status.
func saveStatus(tx *gorm.DB, conv models.Conversation, stage api.Stage, detail string) error {
	info := stageInfo[stage]
	msg := info.message
	if detail != "" {
		msg = detail
	}
	ps := models.ProcessingStatus{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Stage:          string(stage),
		Message:        msg,
		Progress:       info.progress,
	}
	if stage == api.StageError {
		// Keep the progress reached before the failure.
		var cur models.ProcessingStatus
		if err := tx.First(&cur, conv.ID).Error; err == nil {
			ps.Progress = cur.Progress
		}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		UpdateAll: true,
	}).Create(&ps).Error
}

// current loads the conversation if msgID is still its live AI turn.
func current(tx *gorm.DB, convID uint, msgID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.First(&conv, convID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.IsTakeover || conv.PendingMessageID != msgID {
		return nil, nil
	}
	return &conv, nil
}

// advance moves the turn to stage. It reports false when the turn is no
// longer live or the stage would move backwards.
func (p *Pipeline) advance(convID uint, msgID string, stage api.Stage) bool {
	live := false
	err := p.db.Transaction(func(tx *gorm.DB) error {
		conv, err := current(tx, convID, msgID)
		if err != nil || conv == nil {
			return err
		}
		var cur models.ProcessingStatus
		if err := tx.First(&cur, convID).Error; err == nil {
			if api.Stage(cur.Stage).Rank() > stage.Rank() {
				return nil
			}
		}
		live = true
		return saveStatus(tx, *conv, stage, "")
	})
	if err != nil {
		p.log.WithError(err).WithField("conversation_id", convID).Warn("sandbox: advance ai turn")
		return false
	}
	return live
}

func (p *Pipeline) pause(ctx context.Context) bool {
	if p.delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.delay):
		return true
	}
}

// run drives the turn through the remaining stages.
func (p *Pipeline) run(ctx context.Context, convID uint, msgID string) {
	log := p.log.WithFields(logrus.Fields{"conversation_id": convID, "message_id": msgID})
	var reply string
	for _, stage := range api.Stages[1:] {
		if !p.pause(ctx) || !p.advance(convID, msgID, stage) {
			log.Debug("sandbox: ai turn superseded")
			return
		}
		if stage != api.StageThinking {
			continue
		}
		turn, err := p.turn(convID, msgID)
		if err == nil {
			rctx, cancel := context.WithTimeout(ctx, replyTimeout)
			reply, err = p.responder.Reply(rctx, *turn)
			cancel()
		}
		if err != nil {
			log.WithError(err).Warn("sandbox: ai turn failed")
			p.failTurn(convID, msgID, err)
			return
		}
	}
	p.complete(convID, msgID, reply)
}

// turn builds the responder input for msgID.
func (p *Pipeline) turn(convID uint, msgID string) (*responder.Turn, error) {
	var conv models.Conversation
	if err := p.db.First(&conv, convID).Error; err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var tenant models.Tenant
	if err := p.db.First(&tenant, "id = ?", conv.TenantID).Error; err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	msgs, err := timeline(p.db, convID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	t := &responder.Turn{TenantName: tenant.Name}
	for _, m := range msgs {
		if m.ID == msgID {
			t.Inbound = m.Text
			break
		}
		t.History = append(t.History, toAPIMessage(m))
	}
	if t.Inbound == "" {
		return nil, fmt.Errorf("pending message %s not found", msgID)
	}
	return t, nil
}

// complete appends the AI reply unless the turn was superseded or the
// conversation was taken over meanwhile.
func (p *Pipeline) complete(convID uint, msgID, reply string) {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		conv, err := current(tx, convID, msgID)
		if err != nil || conv == nil {
			return err
		}
		msg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: convID,
			Text:           reply,
			Direction:      string(api.DirectionOut),
			Source:         string(api.SourceAI),
			CreatedAt:      p.stamp(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(conv).Updates(map[string]interface{}{
			"last_message":       reply,
			"last_message_at":    msg.CreatedAt,
			"ai_status":          string(api.AIStatusIdle),
			"pending_message_id": "",
		}).Error; err != nil {
			return err
		}
		return saveStatus(tx, *conv, api.StageCompleted, "")
	})
	if err != nil {
		p.log.WithError(err).WithField("conversation_id", convID).Error("sandbox: complete ai turn")
	}
}

// failTurn records the error so the turn can be retried.
func (p *Pipeline) failTurn(convID uint, msgID string, cause error) {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		conv, err := current(tx, convID, msgID)
		if err != nil || conv == nil {
			return err
		}
		if err := tx.Model(conv).Updates(map[string]interface{}{
			"ai_status":        string(api.AIStatusError),
			"ai_error_message": cause.Error(),
		}).Error; err != nil {
			return err
		}
		return saveStatus(tx, *conv, api.StageError, "")
	})
	if err != nil {
		p.log.WithError(err).WithField("conversation_id", convID).Error("sandbox: record ai failure")
	}
}
