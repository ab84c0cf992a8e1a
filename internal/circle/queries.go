package circle

import (
	"context"
	"errors"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/models"
	"gorm.io/gorm"
)

// Get returns a circle to one of its members; non-members get NotFound so
// circle identifiers leak nothing.
func (s *Service) Get(ctx context.Context, userID, circleID uint) (*models.Circle, error) {
	var m models.CircleMember
	err := s.db.WithContext(ctx).
		Where("circle_id = ? AND user_id = ?", circleID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "circle %d not found", circleID)
	}
	if err != nil {
		return nil, err
	}

	var c models.Circle
	if err := s.db.WithContext(ctx).First(&c, circleID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListForUser returns every circle the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID uint) ([]models.Circle, error) {
	var circles []models.Circle
	err := s.db.WithContext(ctx).
		Joins("JOIN circle_members ON circle_members.circle_id = circles.id").
		Where("circle_members.user_id = ? AND circle_members.deleted_at IS NULL", userID).
		Find(&circles).Error
	if err != nil {
		return nil, err
	}
	return circles, nil
}

// Members returns a circle's membership ordered by payout order.
func (s *Service) Members(ctx context.Context, circleID uint) ([]models.CircleMember, error) {
	var members []models.CircleMember
	err := s.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("payout_order asc, id asc").Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
