package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"teachforge/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UsageLogModel{}, &ProfileModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// AppendUsage inserts one immutable ledger row.
func (s *GormStore) AppendUsage(ctx context.Context, entry domain.UsageLogEntry) error {
	model, err := usageModelFromDomain(entry)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// ListUsageInRange returns the user's entries with created_at inside
// [from, to] inclusive.
func (s *GormStore) ListUsageInRange(ctx context.Context, userID string, from, to time.Time) ([]domain.UsageLogEntry, error) {
	var models []UsageLogModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ? AND created_at <= ?", userID, from, to).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query usage entries: %w", err)
	}
	entries := make([]domain.UsageLogEntry, 0, len(models))
	for _, m := range models {
		entry, err := usageModelToDomain(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetProfile reads one profile row.
func (s *GormStore) GetProfile(ctx context.Context, userID string) (domain.ProfileState, error) {
	var model ProfileModel
	err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ProfileState{}, ErrProfileNotFound
	}
	if err != nil {
		return domain.ProfileState{}, fmt.Errorf("query profile: %w", err)
	}
	return profileModelToDomain(model), nil
}

// UpdateProfile applies mutate to the row under a FOR UPDATE lock so
// concurrent webhook deliveries for one user serialize on the row.
func (s *GormStore) UpdateProfile(ctx context.Context, userID string, mutate func(domain.ProfileState) domain.ProfileState) (domain.ProfileState, error) {
	var out domain.ProfileState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ProfileModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "user_id = ?", userID).Error
		current := profileModelToDomain(model)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			current = defaultProfile(userID)
		} else if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		next := mutate(current)
		next.UserID = userID
		next.UpdatedAt = time.Now().UTC()
		model = profileModelFromDomain(next)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.ProfileState{}, err
	}
	return out, nil
}

func usageModelFromDomain(entry domain.UsageLogEntry) (UsageLogModel, error) {
	model := UsageLogModel{
		ID:        entry.ID,
		UserID:    entry.UserID,
		Category:  string(entry.Category),
		Tier:      string(entry.Tier),
		CreatedAt: entry.CreatedAt,
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return UsageLogModel{}, fmt.Errorf("encode usage metadata: %w", err)
		}
		model.Metadata = raw
	}
	return model, nil
}

func usageModelToDomain(model UsageLogModel) (domain.UsageLogEntry, error) {
	entry := domain.UsageLogEntry{
		ID:        model.ID,
		UserID:    model.UserID,
		Category:  domain.Category(model.Category),
		Tier:      domain.Tier(model.Tier),
		CreatedAt: model.CreatedAt,
	}
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &entry.Metadata); err != nil {
			return domain.UsageLogEntry{}, fmt.Errorf("decode usage metadata: %w", err)
		}
	}
	return entry, nil
}

func profileModelFromDomain(p domain.ProfileState) ProfileModel {
	return ProfileModel{
		UserID:                 p.UserID,
		Tier:                   string(p.Tier),
		ExternalSubscriptionID: p.ExternalSubscriptionID,
		SubscriptionStatus:     string(p.SubscriptionStatus),
		UpdatedAt:              p.UpdatedAt,
	}
}

func profileModelToDomain(m ProfileModel) domain.ProfileState {
	return domain.ProfileState{
		UserID:                 m.UserID,
		Tier:                   domain.Tier(m.Tier),
		ExternalSubscriptionID: m.ExternalSubscriptionID,
		SubscriptionStatus:     domain.SubscriptionStatus(m.SubscriptionStatus),
		UpdatedAt:              m.UpdatedAt,
	}
}
