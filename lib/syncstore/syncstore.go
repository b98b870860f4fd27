// Package syncstore journals per-chat sync state to SQLite so a restarted
// bridge resumes from the marks it already delivered.
package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/onkernel/chat-bridge/lib/reconcile"
)

// chatState is one row per user and chat.
type chatState struct {
	User              string `gorm:"primaryKey;column:user_id"`
	ChatID            string `gorm:"primaryKey"`
	LastMessageID     int64
	LastOwnMessageID  int64
	ReceiptThresholds string
	UpdatedAt         time.Time
}

func (chatState) TableName() string { return "chat_states" }

// Store implements session.Journal.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.AutoMigrate(&chatState{}); err != nil {
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns every journaled chat of user.
func (s *Store) Load(ctx context.Context, user string) (map[string]reconcile.ChatSyncState, error) {
	var rows []chatState
	if err := s.db.WithContext(ctx).Where("user_id = ?", user).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	out := make(map[string]reconcile.ChatSyncState, len(rows))
	for _, row := range rows {
		st := reconcile.ChatSyncState{
			LastMessageID:     row.LastMessageID,
			LastOwnMessageID:  row.LastOwnMessageID,
			ReceiptThresholds: map[int]int64{},
		}
		if row.ReceiptThresholds != "" {
			if err := json.Unmarshal([]byte(row.ReceiptThresholds), &st.ReceiptThresholds); err != nil {
				return nil, fmt.Errorf("decode receipt thresholds of %s: %w", row.ChatID, err)
			}
		}
		if st.ReceiptThresholds == nil {
			st.ReceiptThresholds = map[int]int64{}
		}
		out[row.ChatID] = st
	}
	return out, nil
}

// Save upserts the marks of one chat. Pending notification counts are not
// journaled; they are refreshed from the chat list.
func (s *Store) Save(ctx context.Context, user, chatID string, st reconcile.ChatSyncState) error {
	thresholds, err := json.Marshal(st.ReceiptThresholds)
	if err != nil {
		return fmt.Errorf("encode receipt thresholds: %w", err)
	}
	row := chatState{
		User:              user,
		ChatID:            chatID,
		LastMessageID:     st.LastMessageID,
		LastOwnMessageID:  st.LastOwnMessageID,
		ReceiptThresholds: string(thresholds),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_message_id", "last_own_message_id", "receipt_thresholds", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func (s *Store) Forget(ctx context.Context, user, chatID string) error {
	err := s.db.WithContext(ctx).Where("user_id = ? AND chat_id = ?", user, chatID).Delete(&chatState{}).Error
	if err != nil {
		return fmt.Errorf("forget sync state: %w", err)
	}
	return nil
}
