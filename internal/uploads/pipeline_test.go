package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/internalapi"
	"github.com/openmates/core/internal/ocr"
)

type mockCore struct {
	mu sync.Mutex

	duplicate    *internalapi.DuplicateCheck
	duplicateErr error
	chargeErr    error

	charges    []int64
	chargeKeys []string
	records    []uploadRecord
	pdfJobs    []ocr.PDFJob
	wrapCalls  int
}

func (m *mockCore) CheckDuplicate(_ context.Context, _, _ string) (*internalapi.DuplicateCheck, error) {
	if m.duplicateErr != nil {
		return nil, m.duplicateErr
	}
	if m.duplicate != nil {
		return m.duplicate, nil
	}
	return &internalapi.DuplicateCheck{}, nil
}

func (m *mockCore) WrapKey(_ context.Context, keyID, _ string) (*wrappedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wrapCalls++
	return &wrappedKey{VaultWrappedAESKey: "vault:v1:wrapped", VaultKeyID: keyID}, nil
}

func (m *mockCore) StoreRecord(_ context.Context, record uploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockCore) Charge(_ context.Context, _ string, credits int64, key string) error {
	if m.chargeErr != nil {
		return m.chargeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, credits)
	m.chargeKeys = append(m.chargeKeys, key)
	return nil
}

func (m *mockCore) TriggerPDFProcessing(_ context.Context, job ocr.PDFJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pdfJobs = append(m.pdfJobs, job)
}

type mockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockStore) Put(_ context.Context, _, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

type mockScanner struct {
	verdict ScanVerdict
	err     error
	calls   int
}

func (m *mockScanner) Scan(_ context.Context, _ []byte) (ScanVerdict, error) {
	m.calls++
	return m.verdict, m.err
}

func newTestService(core *mockCore, store *mockStore, scanner Scanner) *Service {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	svc := NewService(ServiceOptions{
		Config: &Config{
			UploadsBucket:  "uploads-development",
			ScanWorkers:    2,
			MaxUploadBytes: 100 << 20,
		},
		Core:    core,
		Store:   store,
		Scanner: scanner,
		Logger:  log,
	})
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc
}

var testUser = internalapi.ValidatedUser{
	UserID:     "user-1",
	UserHash:   "abc123hash",
	VaultKeyID: "user-abc123hash",
}

func TestProcessFreshPDFUpload(t *testing.T) {
	core := &mockCore{}
	store := &mockStore{}
	svc := newTestService(core, store, &mockScanner{verdict: ScanVerdict{Clean: true}})
	svc.countPages = func([]byte) (int, error) { return 4, nil }

	data := []byte("%PDF-1.4 fake document body")
	result, err := svc.Process(context.Background(), testUser, "report.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if result.Deduplicated {
		t.Fatal("fresh upload reported as deduplicated")
	}
	if result.PageCount != 4 {
		t.Fatalf("expected page count 4, got %d", result.PageCount)
	}
	if len(core.charges) != 1 || core.charges[0] != 12 {
		t.Fatalf("expected one charge of 12 credits, got %v", core.charges)
	}
	if len(core.records) != 1 {
		t.Fatalf("expected one stored record, got %d", len(core.records))
	}
	if result.VaultWrappedAESKey != "vault:v1:wrapped" {
		t.Fatalf("unexpected wrapped key %q", result.VaultWrappedAESKey)
	}

	key, err := base64.StdEncoding.DecodeString(result.AESKey)
	if err != nil {
		t.Fatalf("aes_key is not base64: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(result.AESNonce)
	if err != nil {
		t.Fatalf("aes_nonce is not base64: %v", err)
	}

	objectKey, ok := result.S3Keys["original"]
	if !ok {
		t.Fatalf("missing original variant key in %v", result.S3Keys)
	}
	sealed, ok := store.objects[objectKey]
	if !ok {
		t.Fatalf("object %s was not stored", objectKey)
	}
	opened, err := decryptGCM(key, nonce, sealed)
	if err != nil {
		t.Fatalf("stored object does not decrypt with the returned key: %v", err)
	}
	if string(opened) != string(data) {
		t.Fatal("stored object does not match the upload")
	}
}

func TestProcessTriggersPDFPipeline(t *testing.T) {
	core := &mockCore{}
	store := &mockStore{}
	svc := newTestService(core, store, nil)
	svc.countPages = func([]byte) (int, error) { return 2, nil }

	result, err := svc.Process(context.Background(), testUser, "doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The trigger is fire-and-forget.
	deadline := time.Now().Add(2 * time.Second)
	for {
		core.mu.Lock()
		jobs := len(core.pdfJobs)
		core.mu.Unlock()
		if jobs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pdf pipeline was never triggered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	job := core.pdfJobs[0]
	if job.EmbedID != result.EmbedID {
		t.Fatalf("job embed id %q does not match result %q", job.EmbedID, result.EmbedID)
	}
	if job.PageCount != 2 {
		t.Fatalf("expected job page count 2, got %d", job.PageCount)
	}
	if job.S3Key != result.S3Keys["original"] {
		t.Fatalf("job points at %q, stored original is %q", job.S3Key, result.S3Keys["original"])
	}
}

func TestProcessBlocksThreats(t *testing.T) {
	core := &mockCore{}
	store := &mockStore{}
	svc := newTestService(core, store, &mockScanner{verdict: ScanVerdict{Clean: false, Threat: "Eicar-Test-Signature"}})

	_, err := svc.Process(context.Background(), testUser, "evil.pdf", "application/pdf", []byte("x"))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if apperrors.KindOf(err) != apperrors.KindIntegrityBlocked {
		t.Fatalf("expected integrity-blocked kind, got %v", apperrors.KindOf(err))
	}
	if len(core.records) != 0 {
		t.Fatal("blocked upload must not store a record")
	}
	if len(store.objects) != 0 {
		t.Fatal("blocked upload must not store objects")
	}
}

func TestProcessInsufficientCreditsStopsBeforeStorage(t *testing.T) {
	core := &mockCore{chargeErr: apperrors.E(apperrors.KindInsufficientCredits, "Not enough credits", nil)}
	store := &mockStore{}
	svc := newTestService(core, store, nil)
	svc.countPages = func([]byte) (int, error) { return 10, nil }

	_, err := svc.Process(context.Background(), testUser, "big.pdf", "application/pdf", []byte("%PDF-1.4"))
	if apperrors.KindOf(err) != apperrors.KindInsufficientCredits {
		t.Fatalf("expected insufficient-credits kind, got %v", err)
	}
	if len(store.objects) != 0 || core.wrapCalls != 0 {
		t.Fatal("failed pre-charge must leave no partial work")
	}
}

func TestProcessReturnsCachedDuplicate(t *testing.T) {
	data := []byte("%PDF-1.4 duplicate body")
	sum := sha256.Sum256(data)
	record := &internalapi.StoredUploadRef{
		EmbedID:            "embed-cached",
		ContentHash:        hex.EncodeToString(sum[:]),
		MimeType:           "application/pdf",
		SizeBytes:          int64(len(data)),
		S3Keys:             map[string]string{"original": "abc123hash/x/1_original.bin"},
		VaultWrappedAESKey: "vault:v1:cached",
		PageCount:          7,
	}
	core := &mockCore{duplicate: &internalapi.DuplicateCheck{Duplicate: true, Record: record}}
	store := &mockStore{}
	scanner := &mockScanner{verdict: ScanVerdict{Clean: true}}
	svc := newTestService(core, store, scanner)

	result, err := svc.Process(context.Background(), testUser, "again.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.Deduplicated {
		t.Fatal("expected deduplicated result")
	}
	if result.EmbedID != "embed-cached" {
		t.Fatalf("expected cached embed id, got %q", result.EmbedID)
	}
	if result.AESKey != "" || result.AESNonce != "" {
		t.Fatal("deduplicated result must not carry a plaintext key")
	}
	if scanner.calls != 0 {
		t.Fatal("duplicate must short-circuit before scanning")
	}
	if len(store.objects) != 0 {
		t.Fatal("duplicate must not re-store objects")
	}
}

func TestProcessCollapsesConcurrentIdenticalUploads(t *testing.T) {
	core := &mockCore{}
	store := &mockStore{}
	svc := newTestService(core, store, nil)
	svc.countPages = func([]byte) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	}

	data := []byte("%PDF-1.4 same bytes")
	const callers = 4

	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Process(context.Background(), testUser, "same.pdf", "application/pdf", data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].EmbedID != results[0].EmbedID {
			t.Fatal("concurrent identical uploads must share one result")
		}
	}
	if len(core.records) != 1 {
		t.Fatalf("expected one pipeline run, got %d records", len(core.records))
	}
}
