package billing

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
)

// mockQuerier implements the subset of pgdb.Querier the ledger touches.
type mockQuerier struct {
	pgdb.Querier

	getTransactionFunc func(ctx context.Context, idempotencyKey string) (pgdb.CreditTransaction, error)
	deductFunc         func(ctx context.Context, arg pgdb.DeductCreditsParams) (pgdb.CreditBalance, error)
	addFunc            func(ctx context.Context, arg pgdb.AddCreditsParams) (pgdb.CreditBalance, error)
	createFunc         func(ctx context.Context, arg pgdb.CreateCreditTransactionParams) (pgdb.CreditTransaction, error)
	getBalanceFunc     func(ctx context.Context, userIDHash string) (pgdb.CreditBalance, error)

	deductCalls []pgdb.DeductCreditsParams
	addCalls    []pgdb.AddCreditsParams
	createCalls []pgdb.CreateCreditTransactionParams
}

func (m *mockQuerier) GetCreditTransactionByIdempotencyKey(ctx context.Context, idempotencyKey string) (pgdb.CreditTransaction, error) {
	if m.getTransactionFunc != nil {
		return m.getTransactionFunc(ctx, idempotencyKey)
	}
	return pgdb.CreditTransaction{}, sql.ErrNoRows
}

func (m *mockQuerier) DeductCredits(ctx context.Context, arg pgdb.DeductCreditsParams) (pgdb.CreditBalance, error) {
	m.deductCalls = append(m.deductCalls, arg)
	if m.deductFunc != nil {
		return m.deductFunc(ctx, arg)
	}
	return pgdb.CreditBalance{UserIDHash: arg.UserIDHash, Balance: 42}, nil
}

func (m *mockQuerier) AddCredits(ctx context.Context, arg pgdb.AddCreditsParams) (pgdb.CreditBalance, error) {
	m.addCalls = append(m.addCalls, arg)
	if m.addFunc != nil {
		return m.addFunc(ctx, arg)
	}
	return pgdb.CreditBalance{UserIDHash: arg.UserIDHash, Balance: 100}, nil
}

func (m *mockQuerier) CreateCreditTransaction(ctx context.Context, arg pgdb.CreateCreditTransactionParams) (pgdb.CreditTransaction, error) {
	m.createCalls = append(m.createCalls, arg)
	if m.createFunc != nil {
		return m.createFunc(ctx, arg)
	}
	return pgdb.CreditTransaction{IdempotencyKey: arg.IdempotencyKey}, nil
}

func (m *mockQuerier) GetCreditBalance(ctx context.Context, userIDHash string) (pgdb.CreditBalance, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, userIDHash)
	}
	return pgdb.CreditBalance{}, sql.ErrNoRows
}

func billingTestLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestChargeSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("non-positive amount", func(t *testing.T) {
		mock := &mockQuerier{}
		svc := NewService(mock, true, billingTestLogger())

		for _, credits := range []int64{0, -5} {
			result, err := svc.Charge(ctx, ChargeParams{UserHash: "hash-1", Credits: credits})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Status != StatusSkipped {
				t.Errorf("credits=%d: expected status %q, got %q", credits, StatusSkipped, result.Status)
			}
		}

		if len(mock.deductCalls) != 0 {
			t.Errorf("expected no deductions, got %d", len(mock.deductCalls))
		}
	})

	t.Run("payment disabled", func(t *testing.T) {
		mock := &mockQuerier{}
		svc := NewService(mock, false, billingTestLogger())

		result, err := svc.Charge(ctx, ChargeParams{UserHash: "hash-1", Credits: 10})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != StatusSkipped {
			t.Errorf("expected status %q, got %q", StatusSkipped, result.Status)
		}
		if len(mock.deductCalls) != 0 {
			t.Errorf("expected no deductions, got %d", len(mock.deductCalls))
		}
	})
}

func TestChargeDuplicateKey(t *testing.T) {
	mock := &mockQuerier{
		getTransactionFunc: func(ctx context.Context, idempotencyKey string) (pgdb.CreditTransaction, error) {
			return pgdb.CreditTransaction{IdempotencyKey: idempotencyKey}, nil
		},
	}
	svc := NewService(mock, true, billingTestLogger())

	result, err := svc.Charge(context.Background(), ChargeParams{
		UserHash: "hash-1", Credits: 5, IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Errorf("expected status %q, got %q", StatusDuplicate, result.Status)
	}
	if len(mock.deductCalls) != 0 {
		t.Errorf("replayed charge must not touch the balance, got %d deductions", len(mock.deductCalls))
	}
}

func TestChargeInsufficientCredits(t *testing.T) {
	mock := &mockQuerier{
		deductFunc: func(ctx context.Context, arg pgdb.DeductCreditsParams) (pgdb.CreditBalance, error) {
			return pgdb.CreditBalance{}, sql.ErrNoRows
		},
	}
	svc := NewService(mock, true, billingTestLogger())

	_, err := svc.Charge(context.Background(), ChargeParams{
		UserHash: "hash-1", Credits: 1000, IdempotencyKey: "key-1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindInsufficientCredits {
		t.Errorf("expected kind %v, got %v", apperrors.KindInsufficientCredits, kind)
	}
	if len(mock.createCalls) != 0 {
		t.Errorf("refused charge must not write a ledger row, got %d", len(mock.createCalls))
	}
}

func TestChargeApplied(t *testing.T) {
	mock := &mockQuerier{
		deductFunc: func(ctx context.Context, arg pgdb.DeductCreditsParams) (pgdb.CreditBalance, error) {
			return pgdb.CreditBalance{UserIDHash: arg.UserIDHash, Balance: 95}, nil
		},
	}
	svc := NewService(mock, true, billingTestLogger())

	result, err := svc.Charge(context.Background(), ChargeParams{
		UserHash:       "hash-1",
		Credits:        5,
		AppID:          "web",
		SkillID:        "search",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Errorf("expected status %q, got %q", StatusApplied, result.Status)
	}
	if result.Balance != 95 {
		t.Errorf("expected balance 95, got %d", result.Balance)
	}

	if len(mock.deductCalls) != 1 || mock.deductCalls[0].Balance != 5 {
		t.Fatalf("expected one deduction of 5, got %+v", mock.deductCalls)
	}
	if len(mock.createCalls) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(mock.createCalls))
	}

	row := mock.createCalls[0]
	if row.TransactionType != TransactionCharge {
		t.Errorf("expected type %q, got %q", TransactionCharge, row.TransactionType)
	}
	if row.IdempotencyKey != "key-1" {
		t.Errorf("expected idempotency key key-1, got %q", row.IdempotencyKey)
	}
	if !row.AppID.Valid || row.AppID.String != "web" {
		t.Errorf("expected app_id web, got %+v", row.AppID)
	}
	if !row.SkillID.Valid || row.SkillID.String != "search" {
		t.Errorf("expected skill_id search, got %+v", row.SkillID)
	}
}

func TestChargeGeneratesIdempotencyKey(t *testing.T) {
	mock := &mockQuerier{}
	svc := NewService(mock, true, billingTestLogger())

	result, err := svc.Charge(context.Background(), ChargeParams{UserHash: "hash-1", Credits: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("expected status %q, got %q", StatusApplied, result.Status)
	}
	if len(mock.createCalls) != 1 || mock.createCalls[0].IdempotencyKey == "" {
		t.Errorf("expected a generated idempotency key, got %+v", mock.createCalls)
	}
}

func TestChargeConcurrentDuplicateRefunds(t *testing.T) {
	mock := &mockQuerier{
		createFunc: func(ctx context.Context, arg pgdb.CreateCreditTransactionParams) (pgdb.CreditTransaction, error) {
			return pgdb.CreditTransaction{}, errors.New(`pq: duplicate key value violates unique constraint "credit_transactions_idempotency_key_key"`)
		},
	}
	svc := NewService(mock, true, billingTestLogger())

	result, err := svc.Charge(context.Background(), ChargeParams{
		UserHash: "hash-1", Credits: 7, IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Errorf("expected status %q, got %q", StatusDuplicate, result.Status)
	}

	// The loser of the insert race must hand back what it deducted.
	if len(mock.addCalls) != 1 || mock.addCalls[0].Balance != 7 {
		t.Fatalf("expected a refund of 7, got %+v", mock.addCalls)
	}
}

func TestGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("claims ledger row before moving balance", func(t *testing.T) {
		var order []string
		mock := &mockQuerier{}
		mock.createFunc = func(ctx context.Context, arg pgdb.CreateCreditTransactionParams) (pgdb.CreditTransaction, error) {
			order = append(order, "create")
			return pgdb.CreditTransaction{}, nil
		}
		mock.addFunc = func(ctx context.Context, arg pgdb.AddCreditsParams) (pgdb.CreditBalance, error) {
			order = append(order, "add")
			return pgdb.CreditBalance{Balance: 50}, nil
		}
		svc := NewService(mock, true, billingTestLogger())

		if err := svc.Grant(ctx, "hash-1", 50, "cs_test_1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(order) != 2 || order[0] != "create" || order[1] != "add" {
			t.Errorf("expected create before add, got %v", order)
		}
		if mock.createCalls[0].TransactionType != TransactionGrant {
			t.Errorf("expected type %q, got %q", TransactionGrant, mock.createCalls[0].TransactionType)
		}
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		mock := &mockQuerier{
			createFunc: func(ctx context.Context, arg pgdb.CreateCreditTransactionParams) (pgdb.CreditTransaction, error) {
				return pgdb.CreditTransaction{}, errors.New("duplicate key value violates unique constraint")
			},
		}
		svc := NewService(mock, true, billingTestLogger())

		if err := svc.Grant(ctx, "hash-1", 50, "cs_test_1"); err != nil {
			t.Fatalf("expected replay to succeed silently, got %v", err)
		}
		if len(mock.addCalls) != 0 {
			t.Errorf("replayed grant must not move the balance, got %d adds", len(mock.addCalls))
		}
	})

	t.Run("applies even when payment is disabled", func(t *testing.T) {
		mock := &mockQuerier{}
		svc := NewService(mock, false, billingTestLogger())

		if err := svc.Grant(ctx, "hash-1", 25, "cs_test_2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mock.addCalls) != 1 {
			t.Errorf("expected the grant to apply, got %d adds", len(mock.addCalls))
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		svc := NewService(&mockQuerier{}, true, billingTestLogger())

		for name, call := range map[string]func() error{
			"zero credits": func() error { return svc.Grant(ctx, "hash-1", 0, "k") },
			"empty key":    func() error { return svc.Grant(ctx, "hash-1", 10, "") },
		} {
			err := call()
			if err == nil {
				t.Errorf("%s: expected error", name)
				continue
			}
			if kind := apperrors.KindOf(err); kind != apperrors.KindInvalidRequest {
				t.Errorf("%s: expected kind %v, got %v", name, apperrors.KindInvalidRequest, kind)
			}
		}
	})
}

func TestBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("existing balance", func(t *testing.T) {
		mock := &mockQuerier{
			getBalanceFunc: func(ctx context.Context, userIDHash string) (pgdb.CreditBalance, error) {
				return pgdb.CreditBalance{UserIDHash: userIDHash, Balance: 77}, nil
			},
		}
		svc := NewService(mock, true, billingTestLogger())

		balance, err := svc.Balance(ctx, "hash-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if balance != 77 {
			t.Errorf("expected 77, got %d", balance)
		}
	})

	t.Run("no balance record means zero", func(t *testing.T) {
		svc := NewService(&mockQuerier{}, true, billingTestLogger())

		balance, err := svc.Balance(ctx, "hash-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if balance != 0 {
			t.Errorf("expected 0, got %d", balance)
		}
	})
}
