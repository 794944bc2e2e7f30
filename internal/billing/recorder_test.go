package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
	"github.com/openmates/core/internal/vault"
)

type recorderQuerier struct {
	pgdb.Querier

	mu      sync.Mutex
	block   chan struct{}
	started chan struct{}

	created       []pgdb.CreateUsageEntryParams
	appSummaries  []pgdb.UpsertMonthlyAppSummaryParams
	chatSummaries []pgdb.UpsertMonthlyChatSummaryParams
	keySummaries  []pgdb.UpsertMonthlyApiKeySummaryParams
}

func (q *recorderQuerier) CreateUsageEntry(ctx context.Context, arg pgdb.CreateUsageEntryParams) (pgdb.UsageEntry, error) {
	if q.started != nil {
		q.started <- struct{}{}
	}
	if q.block != nil {
		<-q.block
	}

	q.mu.Lock()
	q.created = append(q.created, arg)
	q.mu.Unlock()

	return pgdb.UsageEntry{
		ID:         arg.ID,
		UserIDHash: arg.UserIDHash,
		CreatedAt:  time.Date(2025, 8, 5, 10, 0, 0, 0, time.UTC),
	}, nil
}

func (q *recorderQuerier) UpsertMonthlyAppSummary(ctx context.Context, arg pgdb.UpsertMonthlyAppSummaryParams) (pgdb.UsageMonthlyAppSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appSummaries = append(q.appSummaries, arg)
	return pgdb.UsageMonthlyAppSummary{}, nil
}

func (q *recorderQuerier) UpsertMonthlyChatSummary(ctx context.Context, arg pgdb.UpsertMonthlyChatSummaryParams) (pgdb.UsageMonthlyChatSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chatSummaries = append(q.chatSummaries, arg)
	return pgdb.UsageMonthlyChatSummary{}, nil
}

func (q *recorderQuerier) UpsertMonthlyApiKeySummary(ctx context.Context, arg pgdb.UpsertMonthlyApiKeySummaryParams) (pgdb.UsageMonthlyApiKeySummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keySummaries = append(q.keySummaries, arg)
	return pgdb.UsageMonthlyApiKeySummary{}, nil
}

func TestRecorderStoresEncrypted(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &recorderQuerier{}

	recorder := NewRecorder(querier, transit, 1, 10, 5*time.Second, billingTestLogger())
	recorder.Record(UsageRecord{
		UserHash:     "hash-1",
		AppID:        "ai",
		SkillID:      "ask",
		Credits:      12,
		Model:        "sonnet",
		InputTokens:  345,
		OutputTokens: 678,
		ChatID:       "chat-1",
		MessageID:    "msg-1",
		APIKeyHash:   "key-hash-1",
	})
	recorder.Shutdown()

	if len(querier.created) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(querier.created))
	}
	entry := querier.created[0]
	if entry.UserIDHash != "hash-1" || entry.AppID != "ai" || entry.SkillID != "ask" {
		t.Errorf("unexpected identity columns: %+v", entry)
	}

	// Sensitive fields must round-trip through the user's transit key.
	ctx := context.Background()
	keyID := vault.UserKeyID("hash-1")
	for field, want := range map[string]string{
		entry.EncryptedCreditsCostsTotal: "12",
		entry.EncryptedModelUsed:         "sonnet",
		entry.EncryptedInputTokens:       "345",
		entry.EncryptedOutputTokens:      "678",
	} {
		plaintext, err := transit.Decrypt(ctx, keyID, field)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(plaintext) != want {
			t.Errorf("expected %q, got %q", want, plaintext)
		}
	}
	if !entry.ChatID.Valid || entry.ChatID.String != "chat-1" {
		t.Errorf("expected chat_id chat-1, got %+v", entry.ChatID)
	}

	// All three monthly aggregates bumped with the entry's month.
	if len(querier.appSummaries) != 1 || querier.appSummaries[0].Month != "2025-08" {
		t.Errorf("app summary not bumped: %+v", querier.appSummaries)
	}
	if querier.appSummaries[0].CreditsTotal != 12 {
		t.Errorf("expected credits 12, got %d", querier.appSummaries[0].CreditsTotal)
	}
	if len(querier.chatSummaries) != 1 || querier.chatSummaries[0].ChatID != "chat-1" {
		t.Errorf("chat summary not bumped: %+v", querier.chatSummaries)
	}
	if len(querier.keySummaries) != 1 || querier.keySummaries[0].ApiKeyHash != "key-hash-1" {
		t.Errorf("api key summary not bumped: %+v", querier.keySummaries)
	}
}

func TestRecorderSkipsOptionalSummaries(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &recorderQuerier{}

	recorder := NewRecorder(querier, transit, 1, 10, 5*time.Second, billingTestLogger())
	recorder.Record(UsageRecord{
		UserHash: "hash-1",
		AppID:    "ai",
		SkillID:  "ask",
		Credits:  5,
		Model:    "haiku",
	})
	recorder.Shutdown()

	if len(querier.appSummaries) != 1 {
		t.Fatalf("expected app summary, got %d", len(querier.appSummaries))
	}
	if len(querier.chatSummaries) != 0 {
		t.Errorf("no chat id, expected no chat summary, got %d", len(querier.chatSummaries))
	}
	if len(querier.keySummaries) != 0 {
		t.Errorf("no api key, expected no key summary, got %d", len(querier.keySummaries))
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &recorderQuerier{
		block:   make(chan struct{}),
		started: make(chan struct{}, 4),
	}

	recorder := NewRecorder(querier, transit, 1, 1, 5*time.Second, billingTestLogger())

	// First record occupies the single worker inside the insert.
	recorder.Record(UsageRecord{UserHash: "hash-1", AppID: "ai", SkillID: "ask"})
	<-querier.started

	// Second record fills the buffer; third has nowhere to go.
	recorder.Record(UsageRecord{UserHash: "hash-2", AppID: "ai", SkillID: "ask"})
	recorder.Record(UsageRecord{UserHash: "hash-3", AppID: "ai", SkillID: "ask"})

	if dropped := recorder.Dropped(); dropped != 1 {
		t.Errorf("expected 1 dropped record, got %d", dropped)
	}

	close(querier.block)
	recorder.Shutdown()

	// The occupied worker finished its record and drained the buffered one.
	if len(querier.created) != 2 {
		t.Errorf("expected 2 stored entries, got %d", len(querier.created))
	}
}

func TestRecorderRejectsAfterShutdown(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &recorderQuerier{}

	recorder := NewRecorder(querier, transit, 1, 10, 5*time.Second, billingTestLogger())
	recorder.Shutdown()

	// Must not panic or enqueue.
	recorder.Record(UsageRecord{UserHash: "hash-1", AppID: "ai", SkillID: "ask"})

	if len(querier.created) != 0 {
		t.Errorf("expected no entries after shutdown, got %d", len(querier.created))
	}
}
