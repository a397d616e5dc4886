package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (r *Repo) ListAutomations(ctx context.Context) ([]Automation, error) {
	var rows []Automation
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error) {
	var a Automation
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *Repo) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) UpdateAutomation(ctx context.Context, a *Automation) error {
	return r.db.WithContext(ctx).Save(a).Error
}

func (r *Repo) IncrementResponseCount(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&Automation{}).Where("id = ?", id).
		Update("response_count", gorm.Expr("response_count + ?", 1)).Error
}

// AppendTurns appends turns to the (automation, sender) thread in order.
func (r *Repo) AppendTurns(ctx context.Context, turns ...*ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		err := tx.Model(&ConversationTurn{}).
			Where("automation_id = ? AND sender_id = ?", turns[0].AutomationID, turns[0].SenderID).
			Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, t := range turns {
			if t.ID == uuid.Nil {
				t.ID = uuid.New()
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			last++
			t.Seq = last
		}
		return tx.Create(&turns).Error
	})
}

// ListTurns returns the thread ordered oldest first.
func (r *Repo) ListTurns(ctx context.Context, automationID uuid.UUID, senderID string) ([]ConversationTurn, error) {
	var rows []ConversationTurn
	err := r.db.WithContext(ctx).
		Where("automation_id = ? AND sender_id = ?", automationID, senderID).
		Order("seq asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestTurnForSender returns the most recent turn senderID exchanged with the
// receiving account, or nil when the sender has never talked to it.
func (r *Repo) LatestTurnForSender(ctx context.Context, senderID, receiverID string) (*ConversationTurn, error) {
	var t ConversationTurn
	err := r.db.WithContext(ctx).Where("sender_id = ? AND receiver_id = ?", senderID, receiverID).
		Order("created_at desc").Order("seq desc").First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
