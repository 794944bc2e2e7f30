package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/internalapi"
	"github.com/openmates/core/internal/ocr"
)

// coreAPI is the slice of CoreClient the pipeline depends on.
type coreAPI interface {
	CheckDuplicate(ctx context.Context, userHash, contentHash string) (*internalapi.DuplicateCheck, error)
	WrapKey(ctx context.Context, vaultKeyID, aesKeyB64 string) (*wrappedKey, error)
	StoreRecord(ctx context.Context, record uploadRecord) error
	Charge(ctx context.Context, userHash string, credits int64, idempotencyKey string) error
	TriggerPDFProcessing(ctx context.Context, job ocr.PDFJob)
}

// objectStore is the slice of the S3 client the pipeline depends on.
type objectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// Result is what the handler returns to the client. On a fresh upload the
// plaintext AES key and nonce are included exactly once; a deduplicated
// upload has no plaintext key because the service never kept it.
type Result struct {
	EmbedID            string            `json:"embed_id"`
	Deduplicated       bool              `json:"deduplicated"`
	Filename           string            `json:"filename"`
	MimeType           string            `json:"mime_type"`
	SizeBytes          int64             `json:"size_bytes"`
	S3Keys             map[string]string `json:"s3_keys"`
	AESKey             string            `json:"aes_key,omitempty"`
	AESNonce           string            `json:"aes_nonce,omitempty"`
	VaultWrappedAESKey string            `json:"vault_wrapped_aes_key"`
	ScanResults        json.RawMessage   `json:"scan_results,omitempty"`
	PageCount          int32             `json:"page_count,omitempty"`
}

type scanReport struct {
	Malware     *ScanVerdict     `json:"malware,omitempty"`
	AIGenerated *DetectionResult `json:"ai_generated"`
}

// Service runs the admission pipeline: dedupe, scan, transform, encrypt,
// store, record. One instance serves all requests.
type Service struct {
	cfg      *Config
	core     coreAPI
	store    objectStore
	scanner  Scanner
	detector Detector
	pool     *workPool
	group    singleflight.Group
	log      *logrus.Logger

	countPages func(data []byte) (int, error)
	now        func() time.Time
}

// ServiceOptions wires a Service. Scanner and Detector are optional; nil
// disables the step (config warns about the scanner at startup).
type ServiceOptions struct {
	Config   *Config
	Core     coreAPI
	Store    objectStore
	Scanner  Scanner
	Detector Detector
	Logger   *logrus.Logger
}

func NewService(opts ServiceOptions) *Service {
	return &Service{
		cfg:        opts.Config,
		core:       opts.Core,
		store:      opts.Store,
		scanner:    opts.Scanner,
		detector:   opts.Detector,
		pool:       newWorkPool(opts.Config.ScanWorkers),
		log:        opts.Logger,
		countPages: countPDFPages,
		now:        time.Now,
	}
}

// Process admits one file for a validated user. Concurrent uploads of
// identical content by the same user collapse into a single pipeline run.
func (s *Service) Process(ctx context.Context, user internalapi.ValidatedUser, filename, mimeType string, data []byte) (*Result, error) {
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	value, err, _ := s.group.Do(user.UserHash+":"+contentHash, func() (interface{}, error) {
		return s.run(ctx, user, filename, mimeType, contentHash, data)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Result), nil
}

func (s *Service) run(ctx context.Context, user internalapi.ValidatedUser, filename, mimeType, contentHash string, data []byte) (*Result, error) {
	log := s.log.WithFields(logrus.Fields{
		"user":         user.UserHash,
		"content_hash": contentHash[:12],
		"mime_type":    mimeType,
		"size":         len(data),
	})

	check, err := s.core.CheckDuplicate(ctx, user.UserHash, contentHash)
	if err != nil {
		return nil, err
	}
	if check.Duplicate && check.Record != nil {
		log.WithField("embed_id", check.Record.EmbedID).Info("upload deduplicated")
		return &Result{
			EmbedID:            check.Record.EmbedID,
			Deduplicated:       true,
			Filename:           filename,
			MimeType:           check.Record.MimeType,
			SizeBytes:          check.Record.SizeBytes,
			S3Keys:             check.Record.S3Keys,
			VaultWrappedAESKey: check.Record.VaultWrappedAESKey,
			ScanResults:        check.Record.ScanResults,
			PageCount:          check.Record.PageCount,
		}, nil
	}

	report := scanReport{}
	if s.scanner != nil {
		var verdict ScanVerdict
		err := s.pool.do(ctx, func() error {
			var scanErr error
			verdict, scanErr = s.scanner.Scan(ctx, data)
			return scanErr
		})
		if err != nil {
			return nil, err
		}
		if !verdict.Clean {
			log.WithField("threat", verdict.Threat).Warn("upload blocked by malware scan")
			return nil, apperrors.E(apperrors.KindIntegrityBlocked, "File failed the malware scan", nil)
		}
		report.Malware = &verdict
	}

	isPDF := mimeType == "application/pdf"
	isImage := strings.HasPrefix(mimeType, "image/")

	var pageCount int
	variants := map[string][]byte{"original": data}

	switch {
	case isPDF:
		err := s.pool.do(ctx, func() error {
			var countErr error
			pageCount, countErr = s.countPages(data)
			return countErr
		})
		if err != nil {
			return nil, err
		}
		chargeKey := fmt.Sprintf("pdf:%s:%s", user.UserHash, contentHash)
		if err := s.core.Charge(ctx, user.UserHash, int64(pageCount)*creditsPerPage, chargeKey); err != nil {
			return nil, err
		}
	case isImage:
		if s.detector != nil {
			report.AIGenerated = s.detector.Detect(ctx, filename, data)
		}
		err := s.pool.do(ctx, func() error {
			var buildErr error
			variants, buildErr = buildImageVariants(data)
			return buildErr
		})
		if err != nil {
			return nil, err
		}
	}

	key, nonce, err := newFileKey()
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Upload failed", err)
	}

	encrypted := make(map[string][]byte, len(variants))
	err = s.pool.do(ctx, func() error {
		for name, plain := range variants {
			sealed, sealErr := encryptGCM(key, nonce, plain)
			if sealErr != nil {
				return sealErr
			}
			encrypted[name] = sealed
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Upload failed", err)
	}

	keyB64 := base64.StdEncoding.EncodeToString(key)
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	wrapped, err := s.core.WrapKey(ctx, user.VaultKeyID, keyB64)
	if err != nil {
		return nil, err
	}

	embedID := uuid.NewString()
	stamp := s.now().Unix()
	keys := make(map[string]string, len(encrypted))
	for name, sealed := range encrypted {
		objectKey := fmt.Sprintf("%s/%s/%d_%s.bin", user.UserHash, contentHash, stamp, name)
		if err := s.store.Put(ctx, s.cfg.UploadsBucket, objectKey, sealed, "application/octet-stream"); err != nil {
			return nil, apperrors.E(apperrors.KindInfrastructure, "Upload failed", err)
		}
		keys[name] = objectKey
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal scan report: %w", err)
	}

	record := uploadRecord{
		EmbedID:            embedID,
		UserHash:           user.UserHash,
		ContentHash:        contentHash,
		MimeType:           mimeType,
		SizeBytes:          int64(len(data)),
		S3Keys:             keys,
		VaultWrappedAESKey: wrapped.VaultWrappedAESKey,
		ScanResults:        reportJSON,
		PageCount:          int32(pageCount),
	}
	if err := s.core.StoreRecord(ctx, record); err != nil {
		return nil, err
	}

	if isPDF {
		// Fire and forget; text extraction failure never fails the upload.
		go func() {
			triggerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.core.TriggerPDFProcessing(triggerCtx, ocr.PDFJob{
				EmbedID:       embedID,
				UserHash:      user.UserHash,
				S3Key:         keys["original"],
				WrappedAESKey: wrapped.VaultWrappedAESKey,
				AESNonce:      nonceB64,
				PageCount:     pageCount,
				Filename:      filename,
			})
		}()
	}

	log.WithFields(logrus.Fields{"embed_id": embedID, "variants": len(keys)}).Info("upload stored")
	return &Result{
		EmbedID:            embedID,
		Filename:           filename,
		MimeType:           mimeType,
		SizeBytes:          int64(len(data)),
		S3Keys:             keys,
		AESKey:             keyB64,
		AESNonce:           nonceB64,
		VaultWrappedAESKey: wrapped.VaultWrappedAESKey,
		ScanResults:        reportJSON,
		PageCount:          int32(pageCount),
	}, nil
}
