package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/internal/catalog"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	obsmetrics "github.com/soulbridge/atelier/internal/observability/metrics"
	"github.com/soulbridge/atelier/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Catalog    *catalog.Catalog
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	catalog    *catalog.Catalog
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		catalog:    p.Catalog,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID, tier string) (int64, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}

	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockBalance(ctx, tx, userID, tier)
		if err != nil {
			return err
		}
		balance = row.Balance
		return nil
	})
	if err != nil {
		return 0, s.classify(err)
	}
	return balance, nil
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (int64, error) {
	if req.UserID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockBalance(ctx, tx, req.UserID, req.Tier)
		if err != nil {
			return err
		}
		if row.Balance < req.Amount {
			return &ledgerdomain.InsufficientFundsError{
				Balance:   row.Balance,
				Cost:      req.Amount,
				Shortfall: req.Amount - row.Balance,
			}
		}
		newBalance = row.Balance - req.Amount
		if err := s.updateBalance(ctx, tx, req.UserID, newBalance); err != nil {
			return err
		}
		return s.appendTransaction(ctx, tx, ledgerdomain.CreditTransaction{
			UserID:        req.UserID,
			Type:          ledgerdomain.TransactionTypeDeduct,
			Feature:       optionalText(req.Feature),
			Amount:        req.Amount,
			BalanceBefore: row.Balance,
			BalanceAfter:  newBalance,
			Reason:        req.Reason,
		})
	})
	if err != nil {
		return 0, s.classify(err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordDeduct(ctx, req.Feature, req.Amount)
	}
	return newBalance, nil
}

func (s *Service) Refund(ctx context.Context, req ledgerdomain.RefundRequest) (int64, error) {
	if req.UserID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	newBalance, err := s.applyCredit(ctx, req.UserID, req.Tier, req.Amount,
		ledgerdomain.TransactionTypeRefund, req.Feature, req.Reason)
	if err != nil {
		classified := s.classify(err)
		if errors.Is(classified, ledgerdomain.ErrStorageUnavailable) {
			// A user has been charged for work that was not delivered.
			// Queue the refund so the scheduler can make them whole.
			s.enqueueRefundRetry(req, classified)
		}
		return 0, classified
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefund(ctx, req.Feature, req.Amount)
	}
	return newBalance, nil
}

func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (int64, error) {
	if req.UserID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	newBalance, err := s.applyCredit(ctx, req.UserID, req.Tier, req.Amount,
		ledgerdomain.TransactionTypeGrant, "", req.Reason)
	if err != nil {
		return 0, s.classify(err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordGrant(ctx, req.Amount)
	}
	return newBalance, nil
}

func (s *Service) ResetMonthly(ctx context.Context, userID snowflake.ID, tier string, allowance int64) (int64, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if allowance < 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockBalance(ctx, tx, userID, tier)
		if err != nil {
			return err
		}
		newBalance = allowance

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_balances SET balance = ?, last_reset_at = ?, updated_at = ? WHERE user_id = ?`,
			newBalance,
			now,
			now,
			userID,
		).Error; err != nil {
			return err
		}

		if row.Balance == newBalance {
			return nil
		}
		amount := newBalance - row.Balance
		if amount < 0 {
			amount = -amount
		}
		return s.appendTransaction(ctx, tx, ledgerdomain.CreditTransaction{
			UserID:        userID,
			Type:          ledgerdomain.TransactionTypeReset,
			Amount:        amount,
			BalanceBefore: row.Balance,
			BalanceAfter:  newBalance,
			Reason:        "monthly_allowance_reset",
		})
	})
	if err != nil {
		return 0, s.classify(err)
	}
	return newBalance, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	if req.UserID == 0 {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	stmt := s.db.WithContext(ctx).
		Model(&ledgerdomain.CreditTransaction{}).
		Where("user_id = ?", req.UserID).
		Order("created_at DESC, id DESC").
		Limit(int(pageSize) + 1)

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, err
		}
		if cursor.CreatedAt != "" {
			before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				return ledgerdomain.ListTransactionsResponse{}, err
			}
			stmt = stmt.Where("created_at < ?", before)
		}
	}

	var items []*ledgerdomain.CreditTransaction
	if err := stmt.Find(&items).Error; err != nil {
		return ledgerdomain.ListTransactionsResponse{}, s.classify(err)
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *ledgerdomain.CreditTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]ledgerdomain.CreditTransaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := ledgerdomain.ListTransactionsResponse{Transactions: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) RetryFailedRefunds(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 25
	}

	var pending []ledgerdomain.RefundRetry
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&pending).Error; err != nil {
		return 0, s.classify(err)
	}

	applied := 0
	for _, retry := range pending {
		feature := ""
		if retry.Feature != nil {
			feature = *retry.Feature
		}
		_, err := s.applyCredit(ctx, retry.UserID, "", retry.Amount,
			ledgerdomain.TransactionTypeRefund, feature, retry.Reason)
		if err != nil {
			msg := err.Error()
			if updateErr := s.db.WithContext(ctx).Exec(
				`UPDATE refund_retries SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
				msg,
				time.Now().UTC(),
				retry.ID,
			).Error; updateErr != nil {
				s.log.Error("failed to update refund retry", zap.Error(updateErr))
			}
			continue
		}
		if err := s.db.WithContext(ctx).Exec(
			`DELETE FROM refund_retries WHERE id = ?`, retry.ID,
		).Error; err != nil {
			s.log.Error("failed to remove applied refund retry",
				zap.String("retry_id", retry.ID.String()),
				zap.Error(err),
			)
			continue
		}
		applied++
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRefundRetryApplied(ctx)
		}
	}
	return applied, nil
}

// applyCredit increments the balance and appends a transaction of the
// given type, atomically.
func (s *Service) applyCredit(
	ctx context.Context,
	userID snowflake.ID,
	tier string,
	amount int64,
	txType ledgerdomain.TransactionType,
	feature string,
	reason string,
) (int64, error) {
	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockBalance(ctx, tx, userID, tier)
		if err != nil {
			return err
		}
		newBalance = row.Balance + amount
		if err := s.updateBalance(ctx, tx, userID, newBalance); err != nil {
			return err
		}
		return s.appendTransaction(ctx, tx, ledgerdomain.CreditTransaction{
			UserID:        userID,
			Type:          txType,
			Feature:       optionalText(feature),
			Amount:        amount,
			BalanceBefore: row.Balance,
			BalanceAfter:  newBalance,
			Reason:        reason,
		})
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// lockBalance loads the balance row under a row lock, creating it with
// the tier's monthly allowance if the user has never touched the ledger.
// On sqlite the transaction itself serializes writers, so the explicit
// lock clause is skipped.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, tier string) (*ledgerdomain.CreditBalance, error) {
	stmt := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row ledgerdomain.CreditBalance
	err := stmt.Where("user_id = ?", userID).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.seedBalance(ctx, tx, userID, tier); err != nil {
		return nil, err
	}

	stmt = tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := stmt.Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// seedBalance performs the first-access implicit grant. The insert is
// conflict-tolerant so two concurrent first requests create one row.
func (s *Service) seedBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, tier string) error {
	tier = strings.ToLower(strings.TrimSpace(tier))

	var allowance int64
	if tier != "" {
		monthly, err := s.catalog.MonthlyAllowance(tier)
		if err != nil {
			return err
		}
		allowance = int64(monthly)
	}

	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (user_id, balance, tier, last_reset_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		allowance,
		tier,
		now,
		now,
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 || allowance == 0 {
		return nil
	}

	return s.appendTransaction(ctx, tx, ledgerdomain.CreditTransaction{
		UserID:        userID,
		Type:          ledgerdomain.TransactionTypeGrant,
		Amount:        allowance,
		BalanceBefore: 0,
		BalanceAfter:  allowance,
		Reason:        "initial_allowance",
	})
}

func (s *Service) updateBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, balance int64) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_balances SET balance = ?, updated_at = ? WHERE user_id = ?`,
		balance,
		time.Now().UTC(),
		userID,
	).Error
}

func (s *Service) appendTransaction(ctx context.Context, tx *gorm.DB, record ledgerdomain.CreditTransaction) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, user_id, type, feature, amount, balance_before, balance_after, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		record.UserID,
		string(record.Type),
		record.Feature,
		record.Amount,
		record.BalanceBefore,
		record.BalanceAfter,
		record.Reason,
		time.Now().UTC(),
	).Error
}

// enqueueRefundRetry is a best-effort secondary write outside the failed
// transaction. If even this insert fails we are down to the error log.
func (s *Service) enqueueRefundRetry(req ledgerdomain.RefundRequest, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	err := s.db.Exec(
		`INSERT INTO refund_retries (id, user_id, amount, feature, reason, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		s.genID.Generate(),
		req.UserID,
		req.Amount,
		optionalText(req.Feature),
		req.Reason,
		msg,
		now,
		now,
	).Error
	if err != nil {
		s.log.Error("refund failed and could not be queued for retry",
			zap.String("user_id", req.UserID.String()),
			zap.Int64("amount", req.Amount),
			zap.String("feature", req.Feature),
			zap.NamedError("refund_error", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Error("refund failed, queued for retry",
		zap.String("user_id", req.UserID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("feature", req.Feature),
		zap.NamedError("refund_error", cause),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefundFailure(context.Background())
	}
}

// classify keeps business and configuration outcomes as-is and wraps
// everything else as a storage failure so callers fail closed.
func (s *Service) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, catalog.ErrTierNotConfigured) || errors.Is(err, catalog.ErrFeatureNotConfigured) {
		return err
	}
	return ledgerdomain.WrapStorage(err)
}

func optionalText(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
