package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/clock"
	"github.com/soulbridge/atelier/internal/config"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"github.com/soulbridge/atelier/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Catalog *catalog.Catalog
	Cfg     config.Config
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog *catalog.Catalog
	loc     *time.Location
}

func NewService(p Params) usagedomain.Service {
	log := p.Log.Named("usage.service")
	return &Service{
		db:      p.DB,
		log:     log,
		genID:   p.GenID,
		clock:   p.Clock,
		catalog: p.Catalog,
		loc:     resolveLocation(log, p.Cfg.ReportingTimezone),
	}
}

// resolveLocation loads the reporting timezone. All users share one
// reset instant, so this must never drift with server locale; if tzdata
// is missing we fall back to UTC loudly rather than mis-compute resets.
func resolveLocation(log *zap.Logger, name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Error("reporting timezone unavailable, falling back to UTC",
			zap.String("timezone", name),
			zap.Error(err),
		)
		return time.UTC
	}
	return loc
}

func (s *Service) GetUsageToday(ctx context.Context, userID snowflake.ID, feature string) (int64, error) {
	feature, err := validateKey(userID, feature)
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT usage_count FROM usage_counters
		 WHERE user_id = ? AND feature_code = ? AND usage_date = ?`,
		userID,
		feature,
		s.today(),
	).Scan(&count).Error
	if err != nil {
		return 0, usagedomain.WrapStorage(err)
	}
	return count, nil
}

func (s *Service) RecordUsage(ctx context.Context, userID snowflake.ID, feature string) error {
	feature, err := validateKey(userID, feature)
	if err != nil {
		return err
	}

	today := s.today()
	now := s.clock.Now()

	// Update-then-insert keeps one code path across postgres, mysql and
	// sqlite. A duplicate-key race on the insert means another request
	// created the day's row first, so the update is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		result := s.db.WithContext(ctx).Exec(
			`UPDATE usage_counters
			 SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
			 WHERE user_id = ? AND feature_code = ? AND usage_date = ?`,
			now,
			now,
			userID,
			feature,
			today,
		)
		if result.Error != nil {
			return usagedomain.WrapStorage(result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}

		insertErr := s.db.WithContext(ctx).Exec(
			`INSERT INTO usage_counters (
				id, user_id, feature_code, usage_date, usage_count, last_used_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			s.genID.Generate(),
			userID,
			feature,
			today,
			now,
			now,
			now,
		).Error
		if insertErr == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(insertErr) {
			return usagedomain.WrapStorage(insertErr)
		}
	}
	return usagedomain.WrapStorage(errors.New("usage counter upsert did not settle"))
}

func (s *Service) CheckQuota(ctx context.Context, userID snowflake.ID, feature, tier string) (usagedomain.Quota, error) {
	feature, err := validateKey(userID, feature)
	if err != nil {
		return usagedomain.Quota{}, err
	}

	limit, err := s.catalog.DailyLimit(feature, tier)
	if err != nil {
		return usagedomain.Quota{}, err
	}

	quota := usagedomain.Quota{
		Limit:    limit,
		ResetsAt: s.nextReset(),
	}

	if limit.IsUnlimited() {
		quota.Allowed = true
		return quota, nil
	}

	used, err := s.GetUsageToday(ctx, userID, feature)
	if err != nil {
		return usagedomain.Quota{}, err
	}
	quota.Used = used
	quota.Allowed = limit.Allows(int(used))
	return quota, nil
}

func (s *Service) ResetUsage(ctx context.Context, userID snowflake.ID, feature string) error {
	if userID == 0 {
		return usagedomain.ErrInvalidUser
	}

	stmt := s.db.WithContext(ctx)
	feature = strings.ToLower(strings.TrimSpace(feature))
	var err error
	if feature == "" {
		err = stmt.Exec(
			`DELETE FROM usage_counters WHERE user_id = ? AND usage_date = ?`,
			userID,
			s.today(),
		).Error
	} else {
		err = stmt.Exec(
			`DELETE FROM usage_counters WHERE user_id = ? AND feature_code = ? AND usage_date = ?`,
			userID,
			feature,
			s.today(),
		).Error
	}
	if err != nil {
		return usagedomain.WrapStorage(err)
	}
	return nil
}

func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffDate := cutoff.In(s.loc).Format(usagedomain.DateLayout)
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM usage_counters WHERE usage_date < ?`,
		cutoffDate,
	)
	if result.Error != nil {
		return 0, usagedomain.WrapStorage(result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Info("purged settled usage counters",
			zap.String("cutoff", cutoffDate),
			zap.Int64("rows", result.RowsAffected),
		)
	}
	return result.RowsAffected, nil
}

// today is the current calendar day in the reporting timezone.
func (s *Service) today() string {
	return s.clock.Now().In(s.loc).Format(usagedomain.DateLayout)
}

// nextReset is the upcoming midnight in the reporting timezone.
func (s *Service) nextReset() time.Time {
	now := s.clock.Now().In(s.loc)
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
}

func validateKey(userID snowflake.ID, feature string) (string, error) {
	if userID == 0 {
		return "", usagedomain.ErrInvalidUser
	}
	feature = strings.ToLower(strings.TrimSpace(feature))
	if feature == "" {
		return "", usagedomain.ErrInvalidFeature
	}
	return feature, nil
}
