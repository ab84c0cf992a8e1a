// Package audit writes an audit record per state-changing operation to an
// external sink, fire-and-forget.
package audit

import (
	"context"

	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Sink interface {
	Record(ctx context.Context, actorID uint, action, targetID string)
}

type DBSink struct {
	db *gorm.DB
}

func NewDBSink(db *gorm.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Record(ctx context.Context, actorID uint, action, targetID string) {
	row := models.AuditLog{ActorID: actorID, Action: action, TargetID: targetID}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Log.Error("failed to write audit record",
			zap.Uint("actor_id", actorID),
			zap.String("action", action),
			zap.Error(err))
	}
}

type NopSink struct{}

func (NopSink) Record(context.Context, uint, string, string) {}
