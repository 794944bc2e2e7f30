package billing

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
	"github.com/openmates/core/internal/vault"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  func(key string) error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if s.putErr != nil {
		if err := s.putErr(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), body...)
	return nil
}

func (s *memStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return body, nil
}

// archiveQuerier keeps usage entries in memory and records archive marks.
type archiveQuerier struct {
	pgdb.Querier

	mu      sync.Mutex
	entries []pgdb.UsageEntry

	appMarks  []pgdb.MarkMonthlyAppSummariesArchivedParams
	chatMarks []pgdb.MarkMonthlyChatSummariesArchivedParams
	keyMarks  []pgdb.MarkMonthlyApiKeySummariesArchivedParams
}

func (q *archiveQuerier) inRange(e pgdb.UsageEntry, from, to time.Time) bool {
	return !e.CreatedAt.Before(from) && e.CreatedAt.Before(to)
}

func (q *archiveQuerier) ListUserHashesWithUsageInRange(ctx context.Context, arg pgdb.ListUserHashesWithUsageInRangeParams) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := map[string]bool{}
	var users []string
	for _, e := range q.entries {
		if q.inRange(e, arg.CreatedAt, arg.CreatedAt_2) && !seen[e.UserIDHash] {
			seen[e.UserIDHash] = true
			users = append(users, e.UserIDHash)
		}
	}
	return users, nil
}

func (q *archiveQuerier) ListUsageEntriesForUserRange(ctx context.Context, arg pgdb.ListUsageEntriesForUserRangeParams) ([]pgdb.UsageEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var entries []pgdb.UsageEntry
	for _, e := range q.entries {
		if e.UserIDHash == arg.UserIDHash && q.inRange(e, arg.CreatedAt, arg.CreatedAt_2) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (q *archiveQuerier) DeleteUsageEntriesForUserRange(ctx context.Context, arg pgdb.DeleteUsageEntriesForUserRangeParams) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []pgdb.UsageEntry
	var deleted int64
	for _, e := range q.entries {
		if e.UserIDHash == arg.UserIDHash && q.inRange(e, arg.CreatedAt, arg.CreatedAt_2) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return deleted, nil
}

func (q *archiveQuerier) MarkMonthlyAppSummariesArchived(ctx context.Context, arg pgdb.MarkMonthlyAppSummariesArchivedParams) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appMarks = append(q.appMarks, arg)
	return 1, nil
}

func (q *archiveQuerier) MarkMonthlyChatSummariesArchived(ctx context.Context, arg pgdb.MarkMonthlyChatSummariesArchivedParams) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chatMarks = append(q.chatMarks, arg)
	return 1, nil
}

func (q *archiveQuerier) MarkMonthlyApiKeySummariesArchived(ctx context.Context, arg pgdb.MarkMonthlyApiKeySummariesArchivedParams) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keyMarks = append(q.keyMarks, arg)
	return 1, nil
}

func archiveTestTransit(t *testing.T) vault.Transit {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	transit, err := vault.NewLocalTransit(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewLocalTransit: %v", err)
	}
	return transit
}

func encryptedEntry(t *testing.T, transit vault.Transit, userHash string, credits int64,
	model string, inputTokens, outputTokens int, chatID string, createdAt time.Time) pgdb.UsageEntry {
	t.Helper()

	keyID := vault.UserKeyID(userHash)
	encrypt := func(v string) string {
		ciphertext, err := transit.Encrypt(context.Background(), keyID, []byte(v))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		return ciphertext
	}

	return pgdb.UsageEntry{
		ID:                         fmt.Sprintf("%s-%d", userHash, createdAt.UnixNano()),
		UserIDHash:                 userHash,
		AppID:                      "ai",
		SkillID:                    "ask",
		EncryptedCreditsCostsTotal: encrypt(strconv.FormatInt(credits, 10)),
		EncryptedModelUsed:         encrypt(model),
		EncryptedInputTokens:       encrypt(strconv.Itoa(inputTokens)),
		EncryptedOutputTokens:      encrypt(strconv.Itoa(outputTokens)),
		ChatID:                     sql.NullString{String: chatID, Valid: chatID != ""},
		CreatedAt:                  createdAt,
	}
}

// seedJulyUsage loads 17 entries for userHash across July 2025, alternating
// between two chats.
func seedJulyUsage(t *testing.T, transit vault.Transit, q *archiveQuerier, userHash string) {
	t.Helper()
	for i := 0; i < 17; i++ {
		chatID := "chat-1"
		if i%2 == 1 {
			chatID = "chat-2"
		}
		createdAt := time.Date(2025, 7, 1, i, 0, 0, 0, time.UTC)
		q.entries = append(q.entries,
			encryptedEntry(t, transit, userHash, int64(i+1), "sonnet", 100+i, 200+i, chatID, createdAt))
	}
}

func TestRunOnceArchivesAgedMonth(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &archiveQuerier{}
	store := newMemStore()

	seedJulyUsage(t, transit, querier, "hash-h")
	// Entries newer than the cutoff must survive the run untouched.
	querier.entries = append(querier.entries,
		encryptedEntry(t, transit, "hash-h", 5, "sonnet", 10, 20, "chat-3", time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)),
		encryptedEntry(t, transit, "hash-h", 6, "sonnet", 11, 21, "chat-3", time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC)))

	archiver := NewArchiver(querier, transit, store, nil, "usage-archive-bucket", 3, nil, billingTestLogger())

	now := time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	if err := archiver.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	key := ArchiveKey("hash-h", "2025-07")
	if key != "usage-archives/hash-h/2025-07/usage.json.gz" {
		t.Fatalf("unexpected archive key %q", key)
	}

	raw, err := store.Get(context.Background(), "usage-archive-bucket", key)
	if err != nil {
		t.Fatalf("archive object missing: %v", err)
	}

	// The stored object is transit-wrapped gzip, not plaintext.
	compressed, err := transit.Decrypt(context.Background(), vault.UserKeyID("hash-h"), string(raw))
	if err != nil {
		t.Fatalf("decrypt archive: %v", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("open gzip: %v", err)
	}
	payload, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}

	var doc archiveDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("parse archive: %v", err)
	}
	if doc.UserHash != "hash-h" || doc.Month != "2025-07" {
		t.Errorf("unexpected document header: %+v", doc)
	}
	if len(doc.Entries) != 17 {
		t.Errorf("expected 17 archived entries, got %d", len(doc.Entries))
	}

	// Hot rows for July are gone; August rows remain.
	if len(querier.entries) != 2 {
		t.Errorf("expected 2 remaining hot entries, got %d", len(querier.entries))
	}
	for _, e := range querier.entries {
		if e.CreatedAt.Month() != time.August {
			t.Errorf("entry from %v should have been archived", e.CreatedAt)
		}
	}

	// All three summary tables point at the archive object.
	if len(querier.appMarks) != 1 || querier.appMarks[0].ArchiveS3Key.String != key {
		t.Errorf("app summaries not marked: %+v", querier.appMarks)
	}
	if len(querier.chatMarks) != 1 || querier.chatMarks[0].Month != "2025-07" {
		t.Errorf("chat summaries not marked: %+v", querier.chatMarks)
	}
	if len(querier.keyMarks) != 1 {
		t.Errorf("api key summaries not marked: %+v", querier.keyMarks)
	}
}

func TestRunOnceEmptyMonth(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &archiveQuerier{}
	store := newMemStore()

	archiver := NewArchiver(querier, transit, store, nil, "usage-archive-bucket", 3, nil, billingTestLogger())

	if err := archiver.RunOnce(context.Background(), time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("expected no uploads, got %d", len(store.objects))
	}
}

func TestRunOncePartialFailure(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &archiveQuerier{}
	store := newMemStore()

	seedJulyUsage(t, transit, querier, "hash-good")
	querier.entries = append(querier.entries,
		encryptedEntry(t, transit, "hash-bad", 3, "sonnet", 1, 2, "chat-9", time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)))

	store.putErr = func(key string) error {
		if key == ArchiveKey("hash-bad", "2025-07") {
			return fmt.Errorf("upload rejected")
		}
		return nil
	}

	archiver := NewArchiver(querier, transit, store, nil, "usage-archive-bucket", 3, nil, billingTestLogger())

	err := archiver.RunOnce(context.Background(), time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected partial failure to surface")
	}

	// The good user is archived despite the other failing.
	if _, getErr := store.Get(context.Background(), "usage-archive-bucket", ArchiveKey("hash-good", "2025-07")); getErr != nil {
		t.Errorf("good user's archive missing: %v", getErr)
	}

	// The failed user keeps hot rows and gets no archive marks.
	remaining, _ := querier.ListUsageEntriesForUserRange(context.Background(), pgdb.ListUsageEntriesForUserRangeParams{
		UserIDHash:  "hash-bad",
		CreatedAt:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt_2: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	if len(remaining) != 1 {
		t.Errorf("failed user's hot rows must survive, got %d", len(remaining))
	}
	for _, mark := range querier.appMarks {
		if mark.UserIDHash == "hash-bad" {
			t.Error("failed user must not be marked archived")
		}
	}
}

func TestRetrieveArchivedUsage(t *testing.T) {
	transit := archiveTestTransit(t)
	querier := &archiveQuerier{}
	store := newMemStore()

	seedJulyUsage(t, transit, querier, "hash-h")

	archiver := NewArchiver(querier, transit, store, nil, "usage-archive-bucket", 3, nil, billingTestLogger())
	if err := archiver.RunOnce(context.Background(), time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	t.Run("chat filter", func(t *testing.T) {
		entries, err := archiver.RetrieveArchivedUsage(context.Background(), "hash-h", "2025-07", Filters{ChatID: "chat-1"})
		if err != nil {
			t.Fatalf("RetrieveArchivedUsage: %v", err)
		}
		// Even indexes went to chat-1: 9 of 17.
		if len(entries) != 9 {
			t.Fatalf("expected 9 entries for chat-1, got %d", len(entries))
		}
		first := entries[0]
		if first.Credits != 1 {
			t.Errorf("expected credits 1, got %d", first.Credits)
		}
		if first.InputTokens != 100 || first.OutputTokens != 200 {
			t.Errorf("expected tokens 100/200, got %d/%d", first.InputTokens, first.OutputTokens)
		}
		if first.Model != "sonnet" {
			t.Errorf("expected model sonnet, got %q", first.Model)
		}
	})

	t.Run("no filter returns the whole month", func(t *testing.T) {
		entries, err := archiver.RetrieveArchivedUsage(context.Background(), "hash-h", "2025-07", Filters{})
		if err != nil {
			t.Fatalf("RetrieveArchivedUsage: %v", err)
		}
		if len(entries) != 17 {
			t.Fatalf("expected 17 entries, got %d", len(entries))
		}

		var total int64
		for _, e := range entries {
			total += e.Credits
		}
		if total != 153 {
			t.Errorf("expected credits to sum to 153, got %d", total)
		}
	})

	t.Run("filter with no matches", func(t *testing.T) {
		entries, err := archiver.RetrieveArchivedUsage(context.Background(), "hash-h", "2025-07", Filters{AppID: "videos"})
		if err != nil {
			t.Fatalf("RetrieveArchivedUsage: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no entries, got %d", len(entries))
		}
	})

	t.Run("missing month", func(t *testing.T) {
		if _, err := archiver.RetrieveArchivedUsage(context.Background(), "hash-h", "2024-01", Filters{}); err == nil {
			t.Error("expected error for missing archive")
		}
	})
}

func TestMonthRange(t *testing.T) {
	tests := []struct {
		name       string
		now        time.Time
		monthsBack int
		wantFrom   time.Time
		wantTo     time.Time
	}{
		{
			name:       "mid year",
			now:        time.Date(2025, 10, 15, 12, 30, 0, 0, time.UTC),
			monthsBack: 3,
			wantFrom:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			wantTo:     time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "year rollover",
			now:        time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			monthsBack: 3,
			wantFrom:   time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
			wantTo:     time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "previous month",
			now:        time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC),
			monthsBack: 1,
			wantFrom:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
			wantTo:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := monthRange(tt.now, tt.monthsBack)
			if !from.Equal(tt.wantFrom) {
				t.Errorf("from: expected %v, got %v", tt.wantFrom, from)
			}
			if !to.Equal(tt.wantTo) {
				t.Errorf("to: expected %v, got %v", tt.wantTo, to)
			}
		})
	}
}
