package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/clock"
	"github.com/soulbridge/atelier/internal/config"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler dependencies are incomplete")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	LedgerSvc ledgerdomain.Service
	UsageSvc  usagedomain.Service
	Catalog   *catalog.Catalog
	Clock     clock.Clock
	AppConfig config.Config
	Config    Config `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	catalog   *catalog.Catalog
	ledgerSvc ledgerdomain.Service
	usageSvc  usagedomain.Service
	loc       *time.Location
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.LedgerSvc == nil || p.UsageSvc == nil || p.Catalog == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))

	loc, err := time.LoadLocation(p.AppConfig.ReportingTimezone)
	if err != nil {
		log.Error("invalid reporting timezone, using UTC",
			zap.String("timezone", p.AppConfig.ReportingTimezone),
			zap.Error(err),
		)
		loc = time.UTC
	}

	return &Scheduler{
		db:        p.DB,
		log:       log,
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		catalog:   p.Catalog,
		ledgerSvc: p.LedgerSvc,
		usageSvc:  p.UsageSvc,
		loc:       loc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))

	err := fn(ctx)
	elapsed := time.Since(start)
	if err == nil {
		log.Debug("job finished", zap.Duration("elapsed", elapsed))
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"monthly_grant", s.cfg.MonthlyGrantEnabled && s.isJobEnabled("monthly_grant"), func(ctx context.Context) error {
			return s.runJob(ctx, "monthly_grant", 30*time.Second, s.MonthlyGrantJob)
		}},
		{"refund_retry", s.isJobEnabled("refund_retry"), func(ctx context.Context) error {
			return s.runJob(ctx, "refund_retry", 30*time.Second, s.RefundRetryJob)
		}},
		{"usage_purge", s.isJobEnabled("usage_purge"), func(ctx context.Context) error {
			return s.runJob(ctx, "usage_purge", 30*time.Second, s.UsagePurgeJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

type staleBalance struct {
	UserID snowflake.ID
	Tier   string
}

// MonthlyGrantJob tops every stale balance back up to its tier
// allowance. A balance is stale when it was last reset before the
// start of the current month in the reporting timezone.
func (s *Scheduler) MonthlyGrantJob(ctx context.Context) error {
	now := s.clock.Now().In(s.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)

	var jobErr error
	var lastID snowflake.ID
	granted := 0

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		var batch []staleBalance
		err := s.db.WithContext(ctx).
			Table("credit_balances").
			Select("user_id", "tier").
			Where("last_reset_at < ? AND user_id > ?", monthStart.UTC(), lastID).
			Order("user_id ASC").
			Limit(s.cfg.BatchSize).
			Scan(&batch).Error
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			lastID = row.UserID

			allowance, err := s.catalog.MonthlyAllowance(row.Tier)
			if err != nil {
				s.log.Warn("skipping grant for unconfigured tier",
					zap.Int64("user_id", int64(row.UserID)),
					zap.String("tier", row.Tier),
				)
				continue
			}

			if _, err := s.ledgerSvc.ResetMonthly(ctx, row.UserID, row.Tier, int64(allowance)); err != nil {
				jobErr = errors.Join(jobErr, fmt.Errorf("reset user %d: %w", row.UserID, err))
				continue
			}
			granted++
		}
	}

	if granted > 0 {
		s.log.Info("monthly allowances granted", zap.Int("count", granted))
	}
	return jobErr
}

// RefundRetryJob drains queued refunds that failed to apply inline.
func (s *Scheduler) RefundRetryJob(ctx context.Context) error {
	applied, err := s.ledgerSvc.RetryFailedRefunds(ctx, s.cfg.RefundRetryBatchSize)
	if applied > 0 {
		s.log.Info("queued refunds applied", zap.Int("count", applied))
	}
	return err
}

// UsagePurgeJob deletes usage counters older than the retention window.
func (s *Scheduler) UsagePurgeJob(ctx context.Context) error {
	now := s.clock.Now().In(s.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).
		AddDate(0, 0, -s.cfg.RetentionDays)

	purged, err := s.usageSvc.PurgeBefore(ctx, cutoff)
	if purged > 0 {
		s.log.Info("stale usage counters purged", zap.Int64("count", purged))
	}
	return err
}
