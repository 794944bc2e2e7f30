// Package billing owns credit accounting: idempotent charges and grants
// against the hot balance store, asynchronous usage recording with per-user
// field encryption, monthly archival of aged usage into S3, and the Stripe
// webhook that settles credit top-ups.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
)

// Transaction types recorded in the ledger.
const (
	TransactionCharge = "charge"
	TransactionGrant  = "grant"
)

// Charge result statuses.
const (
	StatusApplied   = "applied"
	StatusSkipped   = "skipped"
	StatusDuplicate = "duplicate"
)

// ChargeParams describes one debit. Credits is always positive; the sign is
// carried by the transaction type.
type ChargeParams struct {
	UserHash       string
	Credits        int64
	AppID          string
	SkillID        string
	IdempotencyKey string
}

// ChargeResult reports what the charge did. Balance is the remaining balance
// after an applied charge and is zero otherwise.
type ChargeResult struct {
	Status  string `json:"status"`
	Balance int64  `json:"balance,omitempty"`
}

// Service is the credit ledger. Balances live in credit_balances; every
// mutation is recorded in credit_transactions keyed by an idempotency key so
// retried requests settle exactly once.
type Service struct {
	queries pgdb.Querier
	logger  *logger.Logger
	enabled bool
}

// NewService builds the ledger service. enabled=false (payment disabled in
// self-hosted deployments) turns every charge into a skip while grants still
// apply, so imported balances survive a later enable.
func NewService(queries pgdb.Querier, enabled bool, log *logger.Logger) *Service {
	return &Service{
		queries: queries,
		logger:  log.WithComponent("billing"),
		enabled: enabled,
	}
}

// Charge debits credits from a user's balance exactly once per idempotency
// key. Non-positive amounts short-circuit as skipped. An insufficient balance
// refuses the whole charge; no partial debit is applied.
func (s *Service) Charge(ctx context.Context, params ChargeParams) (ChargeResult, error) {
	if params.Credits <= 0 || !s.enabled {
		return ChargeResult{Status: StatusSkipped}, nil
	}
	if params.UserHash == "" {
		return ChargeResult{}, apperrors.E(apperrors.KindInvalidRequest, "user_id_hash is required", nil)
	}
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = ulid.Make().String()
	}

	// Idempotency check: a replayed key returns the prior outcome without
	// touching the balance.
	_, err := s.queries.GetCreditTransactionByIdempotencyKey(ctx, params.IdempotencyKey)
	if err == nil {
		s.logger.Info("charge already applied",
			"user", params.UserHash, "idempotency_key", params.IdempotencyKey)
		return ChargeResult{Status: StatusDuplicate}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ChargeResult{}, apperrors.E(apperrors.KindInfrastructure, "Charge failed",
			fmt.Errorf("failed to check idempotency key: %w", err))
	}

	balance, err := s.queries.DeductCredits(ctx, pgdb.DeductCreditsParams{
		UserIDHash: params.UserHash,
		Balance:    params.Credits,
	})
	if errors.Is(err, sql.ErrNoRows) {
		// The guarded UPDATE matched no row: either no balance record or
		// not enough credits. Both refuse the charge.
		return ChargeResult{}, apperrors.E(apperrors.KindInsufficientCredits, "Not enough credits", nil)
	}
	if err != nil {
		return ChargeResult{}, apperrors.E(apperrors.KindInfrastructure, "Charge failed",
			fmt.Errorf("failed to deduct credits: %w", err))
	}

	_, err = s.queries.CreateCreditTransaction(ctx, pgdb.CreateCreditTransactionParams{
		UserIDHash:      params.UserHash,
		Amount:          params.Credits,
		TransactionType: TransactionCharge,
		IdempotencyKey:  params.IdempotencyKey,
		AppID:           nullString(params.AppID),
		SkillID:         nullString(params.SkillID),
	})
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent request with the same key won the ledger insert;
			// hand back the credits this request deducted.
			if _, refundErr := s.queries.AddCredits(ctx, pgdb.AddCreditsParams{
				UserIDHash: params.UserHash,
				Balance:    params.Credits,
			}); refundErr != nil {
				s.logger.Error("failed to refund concurrent duplicate charge",
					"user", params.UserHash,
					"idempotency_key", params.IdempotencyKey,
					"credits", params.Credits,
					"error", refundErr.Error())
			}
			return ChargeResult{Status: StatusDuplicate}, nil
		}
		return ChargeResult{}, apperrors.E(apperrors.KindInfrastructure, "Charge failed",
			fmt.Errorf("failed to record transaction: %w", err))
	}

	s.logger.Info("credits charged",
		"user", params.UserHash,
		"credits", params.Credits,
		"app", params.AppID,
		"skill", params.SkillID,
		"balance", balance.Balance)

	return ChargeResult{Status: StatusApplied, Balance: balance.Balance}, nil
}

// Grant credits a user's balance exactly once per idempotency key. The ledger
// row is claimed before the balance moves, so a replay can never double-grant.
func (s *Service) Grant(ctx context.Context, userHash string, credits int64, idempotencyKey string) error {
	if credits <= 0 {
		return apperrors.E(apperrors.KindInvalidRequest, "Grant amount must be positive", nil)
	}
	if idempotencyKey == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "Grant idempotency key is required", nil)
	}

	_, err := s.queries.CreateCreditTransaction(ctx, pgdb.CreateCreditTransactionParams{
		UserIDHash:      userHash,
		Amount:          credits,
		TransactionType: TransactionGrant,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Info("grant already applied",
				"user", userHash, "idempotency_key", idempotencyKey)
			return nil
		}
		return fmt.Errorf("failed to record grant: %w", err)
	}

	balance, err := s.queries.AddCredits(ctx, pgdb.AddCreditsParams{
		UserIDHash: userHash,
		Balance:    credits,
	})
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}

	s.logger.Info("credits granted",
		"user", userHash, "credits", credits, "balance", balance.Balance)

	return nil
}

// Balance returns the user's current credit balance. Users with no balance
// record have zero credits.
func (s *Service) Balance(ctx context.Context, userHash string) (int64, error) {
	balance, err := s.queries.GetCreditBalance(ctx, userHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	return balance.Balance, nil
}

// isUniqueViolation detects a duplicate-key insert without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
