package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (int64, error) {
	var row ledgerdomain.CreditBalance
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.Balance, nil
}

func (s *Service) Reserve(ctx context.Context, userID, jobID snowflake.ID, amount int64) error {
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if jobID == 0 {
		return ledgerdomain.ErrNoReservation
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance.Balance < amount {
			return ledgerdomain.ErrInsufficientCredits
		}
		return s.applyEntries(ctx, tx, balance, []ledgerdomain.CreditEntry{
			{UserID: userID, JobID: jobID, Delta: -amount, Reason: ledgerdomain.ReasonReserve},
		})
	})
}

func (s *Service) Release(ctx context.Context, userID, jobID snowflake.ID) error {
	if jobID == 0 {
		return ledgerdomain.ErrNoReservation
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		reserved, settled, err := s.reservationState(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if reserved == 0 || settled != "" {
			// Idempotent: nothing outstanding, duplicate signals are safe.
			s.log.Info("release skipped, no outstanding reservation",
				zap.String("user_id", userID.String()),
				zap.String("job_id", jobID.String()),
			)
			return nil
		}
		return s.applyEntries(ctx, tx, balance, []ledgerdomain.CreditEntry{
			{UserID: userID, JobID: jobID, Delta: reserved, Reason: ledgerdomain.ReasonRelease},
		})
	})
}

func (s *Service) Finalize(ctx context.Context, userID, jobID snowflake.ID, finalCost int64) error {
	if finalCost < 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if jobID == 0 {
		return ledgerdomain.ErrNoReservation
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		reserved, settled, err := s.reservationState(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if settled == ledgerdomain.ReasonFinalizeCharge {
			return ledgerdomain.ErrAlreadyFinalized
		}
		if reserved == 0 || settled != "" {
			return ledgerdomain.ErrNoReservation
		}
		if finalCost > reserved {
			return ledgerdomain.ErrCostExceedsReservation
		}
		// Settlement pair: refund the reservation in full, charge the
		// actual cost. Net effect on the balance is reserved - finalCost.
		return s.applyEntries(ctx, tx, balance, []ledgerdomain.CreditEntry{
			{UserID: userID, JobID: jobID, Delta: reserved, Reason: ledgerdomain.ReasonFinalizeRefund},
			{UserID: userID, JobID: jobID, Delta: -finalCost, Reason: ledgerdomain.ReasonFinalizeCharge},
		})
	})
}

func (s *Service) Grant(ctx context.Context, userID snowflake.ID, amount int64, reason ledgerdomain.EntryReason) error {
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if reason != ledgerdomain.ReasonPurchase && reason != ledgerdomain.ReasonGrant {
		return ledgerdomain.ErrInvalidReason
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.applyEntries(ctx, tx, balance, []ledgerdomain.CreditEntry{
			{UserID: userID, Delta: amount, Reason: reason},
		})
	})
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) ([]ledgerdomain.CreditEntry, error) {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []ledgerdomain.CreditEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", req.UserID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// lockBalance loads the user's balance row under a row lock, creating it
// with zero balance on first touch. SQLite serializes writers on its own,
// so the lock clause is applied on postgres only.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*ledgerdomain.CreditBalance, error) {
	q := tx.WithContext(ctx)
	if strings.EqualFold(tx.Dialector.Name(), "postgres") {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance ledgerdomain.CreditBalance
	err := q.Where("user_id = ?", userID).First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	balance = ledgerdomain.CreditBalance{UserID: userID, Balance: 0, UpdatedAt: time.Now().UTC()}
	if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

// reservationState reports the outstanding reserve amount for a job and the
// reason that settled it, if any.
func (s *Service) reservationState(ctx context.Context, tx *gorm.DB, jobID snowflake.ID) (int64, ledgerdomain.EntryReason, error) {
	var entries []ledgerdomain.CreditEntry
	err := tx.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return 0, "", err
	}

	var reserved int64
	var settled ledgerdomain.EntryReason
	for _, entry := range entries {
		switch entry.Reason {
		case ledgerdomain.ReasonReserve:
			reserved = -entry.Delta
		case ledgerdomain.ReasonRelease:
			settled = ledgerdomain.ReasonRelease
		case ledgerdomain.ReasonFinalizeCharge:
			settled = ledgerdomain.ReasonFinalizeCharge
		}
	}
	return reserved, settled, nil
}

// applyEntries appends ledger entries and moves the balance by their sum in
// the enclosing transaction.
func (s *Service) applyEntries(ctx context.Context, tx *gorm.DB, balance *ledgerdomain.CreditBalance, entries []ledgerdomain.CreditEntry) error {
	now := time.Now().UTC()
	var delta int64
	for i := range entries {
		entries[i].ID = s.genID.Generate()
		entries[i].CreatedAt = now
		delta += entries[i].Delta
	}
	if err := tx.WithContext(ctx).Create(&entries).Error; err != nil {
		return err
	}

	result := tx.WithContext(ctx).
		Model(&ledgerdomain.CreditBalance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	return nil
}
