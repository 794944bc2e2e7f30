package billing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openmates/core/internal/logger"
	pgdb "github.com/openmates/core/internal/storage/pg/sqlc"
	"github.com/openmates/core/internal/vault"
)

// UsageRecord is one completed unit of billable work: an LLM call or a skill
// invocation. Numeric and model fields are stored Transit-encrypted under the
// user's key; only the hashed identifiers stay queryable.
type UsageRecord struct {
	UserHash     string
	AppID        string
	SkillID      string
	Credits      int64
	Model        string
	InputTokens  int
	OutputTokens int
	ChatID       string
	MessageID    string
	APIKeyHash   string
}

// Recorder persists usage entries off the hot path. Writers enqueue without
// blocking; a worker pool encrypts and inserts in the background, updating
// the monthly summary rows alongside each entry.
type Recorder struct {
	queries pgdb.Querier
	transit vault.Transit
	logger  *logger.Logger
	timeout time.Duration

	records      chan UsageRecord
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	droppedTotal atomic.Int64
}

// NewRecorder starts the worker pool.
func NewRecorder(queries pgdb.Querier, transit vault.Transit, workers, bufferSize int, timeout time.Duration, log *logger.Logger) *Recorder {
	r := &Recorder{
		queries:  queries,
		transit:  transit,
		logger:   log.WithComponent("usage-recorder"),
		timeout:  timeout,
		records:  make(chan UsageRecord, bufferSize),
		shutdown: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		r.workerPool.Add(1)
		go r.worker()
	}

	return r
}

// Record enqueues a usage record without blocking the caller. A full buffer
// drops the record: usage accounting must never stall a streaming response.
func (r *Recorder) Record(record UsageRecord) {
	if r.closed.Load() {
		r.logger.Warn("usage recorder shutting down, dropping record",
			"user", record.UserHash, "app", record.AppID)
		return
	}

	select {
	case r.records <- record:
	default:
		dropped := r.droppedTotal.Add(1)
		r.logger.Error("usage buffer full, record dropped",
			"user", record.UserHash,
			"app", record.AppID,
			"skill", record.SkillID,
			"total_dropped", dropped)
	}
}

// Dropped returns how many records the full buffer has discarded.
func (r *Recorder) Dropped() int64 {
	return r.droppedTotal.Load()
}

// Shutdown drains the buffer and stops the workers.
func (r *Recorder) Shutdown() {
	r.closed.Store(true)
	close(r.shutdown)
	r.workerPool.Wait()
	close(r.records)
}

func (r *Recorder) worker() {
	defer r.workerPool.Done()

	for {
		select {
		case record := <-r.records:
			r.handle(record)
		case <-r.shutdown:
			// Drain what is already queued before exiting.
			for {
				select {
				case record := <-r.records:
					r.handle(record)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(record UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store(ctx, record); err != nil {
		r.logger.Error("failed to record usage",
			"user", record.UserHash,
			"app", record.AppID,
			"skill", record.SkillID,
			"error", err.Error())
	}
}

func (r *Recorder) store(ctx context.Context, record UsageRecord) error {
	keyID := vault.UserKeyID(record.UserHash)

	encrypt := func(field, value string) (string, error) {
		wrapped, err := r.transit.Encrypt(ctx, keyID, []byte(value))
		if err != nil {
			return "", fmt.Errorf("failed to encrypt %s: %w", field, err)
		}
		return wrapped, nil
	}

	credits, err := encrypt("credits", strconv.FormatInt(record.Credits, 10))
	if err != nil {
		return err
	}
	model, err := encrypt("model", record.Model)
	if err != nil {
		return err
	}
	inputTokens, err := encrypt("input_tokens", strconv.Itoa(record.InputTokens))
	if err != nil {
		return err
	}
	outputTokens, err := encrypt("output_tokens", strconv.Itoa(record.OutputTokens))
	if err != nil {
		return err
	}

	entry, err := r.queries.CreateUsageEntry(ctx, pgdb.CreateUsageEntryParams{
		ID:                         uuid.NewString(),
		UserIDHash:                 record.UserHash,
		AppID:                      record.AppID,
		SkillID:                    record.SkillID,
		EncryptedCreditsCostsTotal: credits,
		EncryptedModelUsed:         model,
		EncryptedInputTokens:       inputTokens,
		EncryptedOutputTokens:      outputTokens,
		ChatID:                     nullString(record.ChatID),
		MessageID:                  nullString(record.MessageID),
		ApiKeyHash:                 nullString(record.APIKeyHash),
	})
	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}

	return r.bumpSummaries(ctx, record, entry.CreatedAt)
}

// bumpSummaries maintains the per-month aggregates the archival job later
// marks. Summary counters are plain integers: monthly totals are the one
// figure the product shows without a decrypt round-trip.
func (r *Recorder) bumpSummaries(ctx context.Context, record UsageRecord, createdAt time.Time) error {
	month := createdAt.UTC().Format("2006-01")

	if _, err := r.queries.UpsertMonthlyAppSummary(ctx, pgdb.UpsertMonthlyAppSummaryParams{
		UserIDHash:   record.UserHash,
		Month:        month,
		AppID:        record.AppID,
		CreditsTotal: record.Credits,
	}); err != nil {
		return fmt.Errorf("failed to upsert app summary: %w", err)
	}

	if record.ChatID != "" {
		if _, err := r.queries.UpsertMonthlyChatSummary(ctx, pgdb.UpsertMonthlyChatSummaryParams{
			UserIDHash:   record.UserHash,
			Month:        month,
			ChatID:       record.ChatID,
			CreditsTotal: record.Credits,
		}); err != nil {
			return fmt.Errorf("failed to upsert chat summary: %w", err)
		}
	}

	if record.APIKeyHash != "" {
		if _, err := r.queries.UpsertMonthlyApiKeySummary(ctx, pgdb.UpsertMonthlyApiKeySummaryParams{
			UserIDHash:   record.UserHash,
			Month:        month,
			ApiKeyHash:   record.APIKeyHash,
			CreditsTotal: record.Credits,
		}); err != nil {
			return fmt.Errorf("failed to upsert api key summary: %w", err)
		}
	}

	return nil
}

// QueueDepth reports how many records are waiting, for diagnostics.
func (r *Recorder) QueueDepth() int {
	return len(r.records)
}
