package billing

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openmates/core/internal/logger"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
	"github.com/openmates/core/internal/telemetry"
	"github.com/openmates/core/internal/vault"
)

// archivalLockTTL bounds how long one instance holds the monthly run. A
// crashed holder releases implicitly; the next scheduled run retries.
const archivalLockTTL = time.Hour

// objectStore is the slice of the S3 client the archiver needs.
type objectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// leaderLock elects one instance to run a scheduled job. Implemented by the
// cache service.
type leaderLock interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// archivedEntry is the JSON form of one usage entry inside an archive. The
// per-field ciphertexts are carried as-is; the whole document is additionally
// encrypted under the user's key before upload.
type archivedEntry struct {
	ID                    string    `json:"id"`
	AppID                 string    `json:"app_id"`
	SkillID               string    `json:"skill_id"`
	EncryptedCredits      string    `json:"encrypted_credits_costs_total"`
	EncryptedModel        string    `json:"encrypted_model_used"`
	EncryptedInputTokens  string    `json:"encrypted_input_tokens"`
	EncryptedOutputTokens string    `json:"encrypted_output_tokens"`
	ChatID                string    `json:"chat_id,omitempty"`
	MessageID             string    `json:"message_id,omitempty"`
	APIKeyHash            string    `json:"api_key_hash,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

type archiveDocument struct {
	UserHash string          `json:"user_id_hash"`
	Month    string          `json:"month"`
	Entries  []archivedEntry `json:"entries"`
}

// Archiver moves aged usage entries out of the hot store into per-user,
// per-month encrypted S3 objects.
type Archiver struct {
	queries    pgdb.Querier
	transit    vault.Transit
	store      objectStore
	locker     leaderLock
	bucket     string
	monthsBack int
	logger     *logger.Logger
	metrics    *telemetry.Metrics

	cron *cron.Cron
}

// NewArchiver wires the archival job. locker and metrics may be nil (single
// instance deployments and tests).
func NewArchiver(queries pgdb.Querier, transit vault.Transit, store objectStore, locker leaderLock,
	bucket string, monthsBack int, metrics *telemetry.Metrics, log *logger.Logger) *Archiver {
	return &Archiver{
		queries:    queries,
		transit:    transit,
		store:      store,
		locker:     locker,
		bucket:     bucket,
		monthsBack: monthsBack,
		logger:     log.WithComponent("usage-archiver"),
		metrics:    metrics,
	}
}

// Start schedules the job with a standard 5-field cron spec.
func (a *Archiver) Start(spec string) error {
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(spec, a.run); err != nil {
		return fmt.Errorf("failed to schedule usage archival: %w", err)
	}
	a.cron.Start()

	a.logger.Info("usage archival scheduled", "cron", spec, "months_back", a.monthsBack)
	return nil
}

// Stop waits for an in-flight run to finish.
func (a *Archiver) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

func (a *Archiver) run() {
	ctx, cancel := context.WithTimeout(context.Background(), archivalLockTTL)
	defer cancel()

	if a.locker != nil {
		ok, err := a.locker.AcquireLock(ctx, "usage-archival", archivalLockTTL)
		if err != nil {
			a.logger.Error("archival leader election failed", "error", err.Error())
			a.recordRun("error")
			return
		}
		if !ok {
			a.logger.Info("archival already running on another instance")
			a.recordRun("skipped")
			return
		}
	}

	if err := a.RunOnce(ctx, time.Now()); err != nil {
		a.logger.Error("usage archival run failed", "error", err.Error())
		a.recordRun("error")
		return
	}

	a.recordRun("ok")
}

func (a *Archiver) recordRun(status string) {
	if a.metrics != nil {
		a.metrics.ArchivalRuns.WithLabelValues(status).Inc()
	}
}

// RunOnce archives the month that has aged past the cutoff: the calendar
// month monthsBack before now, in UTC. One user's failure does not stop the
// others; the run reports a partial failure at the end.
func (a *Archiver) RunOnce(ctx context.Context, now time.Time) error {
	from, to := monthRange(now, a.monthsBack)
	month := from.Format("2006-01")

	users, err := a.queries.ListUserHashesWithUsageInRange(ctx, pgdb.ListUserHashesWithUsageInRangeParams{
		CreatedAt:   from,
		CreatedAt_2: to,
	})
	if err != nil {
		return fmt.Errorf("failed to list users with usage in %s: %w", month, err)
	}

	a.logger.Info("archiving usage month", "month", month, "users", len(users))

	failed := 0
	for _, userHash := range users {
		if err := a.archiveUserMonth(ctx, userHash, month, from, to); err != nil {
			failed++
			a.logger.Error("failed to archive user month",
				"user", userHash, "month", month, "error", err.Error())
		}
	}

	if failed > 0 {
		return fmt.Errorf("archived %d of %d users for %s", len(users)-failed, len(users), month)
	}

	return nil
}

func (a *Archiver) archiveUserMonth(ctx context.Context, userHash, month string, from, to time.Time) error {
	entries, err := a.queries.ListUsageEntriesForUserRange(ctx, pgdb.ListUsageEntriesForUserRangeParams{
		UserIDHash:  userHash,
		CreatedAt:   from,
		CreatedAt_2: to,
	})
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	doc := archiveDocument{
		UserHash: userHash,
		Month:    month,
		Entries:  make([]archivedEntry, len(entries)),
	}
	for i, e := range entries {
		doc.Entries[i] = archivedEntry{
			ID:                    e.ID,
			AppID:                 e.AppID,
			SkillID:               e.SkillID,
			EncryptedCredits:      e.EncryptedCreditsCostsTotal,
			EncryptedModel:        e.EncryptedModelUsed,
			EncryptedInputTokens:  e.EncryptedInputTokens,
			EncryptedOutputTokens: e.EncryptedOutputTokens,
			ChatID:                e.ChatID.String,
			MessageID:             e.MessageID.String,
			APIKeyHash:            e.ApiKeyHash.String,
			CreatedAt:             e.CreatedAt,
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}

	wrapped, err := a.transit.Encrypt(ctx, vault.UserKeyID(userHash), compressed.Bytes())
	if err != nil {
		return fmt.Errorf("failed to encrypt archive: %w", err)
	}

	key := ArchiveKey(userHash, month)
	if err := a.store.Put(ctx, a.bucket, key, []byte(wrapped), "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	// The upload succeeded; from here the summaries point at the archive and
	// the hot rows go away. Mark before delete so a crash between the two
	// leaves retrievable data, never a dangling flag.
	s3Key := nullString(key)
	if _, err := a.queries.MarkMonthlyAppSummariesArchived(ctx, pgdb.MarkMonthlyAppSummariesArchivedParams{
		UserIDHash: userHash, Month: month, ArchiveS3Key: s3Key,
	}); err != nil {
		return fmt.Errorf("failed to mark app summaries: %w", err)
	}
	if _, err := a.queries.MarkMonthlyChatSummariesArchived(ctx, pgdb.MarkMonthlyChatSummariesArchivedParams{
		UserIDHash: userHash, Month: month, ArchiveS3Key: s3Key,
	}); err != nil {
		return fmt.Errorf("failed to mark chat summaries: %w", err)
	}
	if _, err := a.queries.MarkMonthlyApiKeySummariesArchived(ctx, pgdb.MarkMonthlyApiKeySummariesArchivedParams{
		UserIDHash: userHash, Month: month, ArchiveS3Key: s3Key,
	}); err != nil {
		return fmt.Errorf("failed to mark api key summaries: %w", err)
	}

	deleted, err := a.queries.DeleteUsageEntriesForUserRange(ctx, pgdb.DeleteUsageEntriesForUserRangeParams{
		UserIDHash:  userHash,
		CreatedAt:   from,
		CreatedAt_2: to,
	})
	if err != nil {
		return fmt.Errorf("failed to delete hot entries: %w", err)
	}

	a.logger.Info("archived user month",
		"user", userHash, "month", month, "entries", len(entries), "deleted", deleted, "key", key)

	return nil
}

// ArchiveKey is the S3 object key layout for a user's monthly archive.
func ArchiveKey(userHash, month string) string {
	return fmt.Sprintf("usage-archives/%s/%s/usage.json.gz", userHash, month)
}

// monthRange returns [first day, first day of next month) for the calendar
// month monthsBack before now, in UTC.
func monthRange(now time.Time, monthsBack int) (time.Time, time.Time) {
	first := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, -monthsBack, 0)
	return first, first.AddDate(0, 1, 0)
}

// Filters narrows archived-usage retrieval. Empty fields match everything.
type Filters struct {
	ChatID  string
	AppID   string
	SkillID string
}

func (f Filters) matches(e archivedEntry) bool {
	if f.ChatID != "" && e.ChatID != f.ChatID {
		return false
	}
	if f.AppID != "" && e.AppID != f.AppID {
		return false
	}
	if f.SkillID != "" && e.SkillID != f.SkillID {
		return false
	}
	return true
}

// DecryptedUsageEntry is an archived entry with its per-field ciphertexts
// unwrapped for display. Numeric fields are coerced back to integers.
type DecryptedUsageEntry struct {
	ID           string    `json:"id"`
	AppID        string    `json:"app_id"`
	SkillID      string    `json:"skill_id"`
	Credits      int64     `json:"credits"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ChatID       string    `json:"chat_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	APIKeyHash   string    `json:"api_key_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RetrieveArchivedUsage reverses the archival pipeline: download, unwrap the
// document encryption, gunzip, parse, filter, and unwrap each entry's field
// ciphertexts.
func (a *Archiver) RetrieveArchivedUsage(ctx context.Context, userHash, month string, filters Filters) ([]DecryptedUsageEntry, error) {
	raw, err := a.store.Get(ctx, a.bucket, ArchiveKey(userHash, month))
	if err != nil {
		return nil, fmt.Errorf("failed to download archive: %w", err)
	}

	compressed, err := a.transit.Decrypt(ctx, vault.UserKeyID(userHash), string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive reader: %w", err)
	}

	var doc archiveDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse archive: %w", err)
	}

	keyID := vault.UserKeyID(userHash)
	var results []DecryptedUsageEntry
	for _, e := range doc.Entries {
		if !filters.matches(e) {
			continue
		}

		decrypted, err := a.decryptEntry(ctx, keyID, e)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt entry %s: %w", e.ID, err)
		}
		results = append(results, decrypted)
	}

	return results, nil
}

func (a *Archiver) decryptEntry(ctx context.Context, keyID string, e archivedEntry) (DecryptedUsageEntry, error) {
	decrypt := func(field, ciphertext string) (string, error) {
		plaintext, err := a.transit.Decrypt(ctx, keyID, ciphertext)
		if err != nil {
			return "", fmt.Errorf("%s: %w", field, err)
		}
		return string(plaintext), nil
	}

	creditsText, err := decrypt("credits", e.EncryptedCredits)
	if err != nil {
		return DecryptedUsageEntry{}, err
	}
	credits, err := strconv.ParseInt(creditsText, 10, 64)
	if err != nil {
		return DecryptedUsageEntry{}, fmt.Errorf("credits is not an integer: %w", err)
	}

	model, err := decrypt("model", e.EncryptedModel)
	if err != nil {
		return DecryptedUsageEntry{}, err
	}

	inputText, err := decrypt("input_tokens", e.EncryptedInputTokens)
	if err != nil {
		return DecryptedUsageEntry{}, err
	}
	inputTokens, err := strconv.Atoi(inputText)
	if err != nil {
		return DecryptedUsageEntry{}, fmt.Errorf("input_tokens is not an integer: %w", err)
	}

	outputText, err := decrypt("output_tokens", e.EncryptedOutputTokens)
	if err != nil {
		return DecryptedUsageEntry{}, err
	}
	outputTokens, err := strconv.Atoi(outputText)
	if err != nil {
		return DecryptedUsageEntry{}, fmt.Errorf("output_tokens is not an integer: %w", err)
	}

	return DecryptedUsageEntry{
		ID:           e.ID,
		AppID:        e.AppID,
		SkillID:      e.SkillID,
		Credits:      credits,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ChatID:       e.ChatID,
		MessageID:    e.MessageID,
		APIKeyHash:   e.APIKeyHash,
		CreatedAt:    e.CreatedAt,
	}, nil
}
