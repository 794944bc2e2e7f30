package embeds

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	embedsCollection    = "embeds"
	embedKeysCollection = "embed_keys"
)

// FirestoreStore is the durable tier for embeds and their key wrappers.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// SaveEmbed upserts the embed document. Embeds are mutable until they reach
// a terminal status; the service layer enforces transitions.
func (s *FirestoreStore) SaveEmbed(ctx context.Context, embed *Embed) error {
	if s == nil || s.client == nil {
		return status.Error(codes.Unavailable, "firestore client not initialized")
	}

	_, err := s.client.Collection(embedsCollection).Doc(embed.EmbedID).Set(ctx, embed)
	if err != nil {
		return fmt.Errorf("failed to save embed: %w", err)
	}

	return nil
}

// GetEmbed returns nil, nil when the embed does not exist.
func (s *FirestoreStore) GetEmbed(ctx context.Context, embedID string) (*Embed, error) {
	if s == nil || s.client == nil {
		return nil, status.Error(codes.Unavailable, "firestore client not initialized")
	}

	doc, err := s.client.Collection(embedsCollection).Doc(embedID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get embed: %w", err)
	}

	var embed Embed
	if err := doc.DataTo(&embed); err != nil {
		return nil, fmt.Errorf("failed to decode embed: %w", err)
	}

	return &embed, nil
}

// SaveEmbedKeyWrapper appends one wrapper. The collection is append-only and
// duplicates are tolerated: clients may legitimately re-wrap the same embed
// under a new chat key after sharing.
func (s *FirestoreStore) SaveEmbedKeyWrapper(ctx context.Context, wrapper *EmbedKeyWrapper) error {
	if s == nil || s.client == nil {
		return status.Error(codes.Unavailable, "firestore client not initialized")
	}

	_, _, err := s.client.Collection(embedKeysCollection).Add(ctx, wrapper)
	if err != nil {
		return fmt.Errorf("failed to save embed key wrapper: %w", err)
	}

	return nil
}

// ListEmbedKeyWrappers returns every wrapper stored for an embed.
func (s *FirestoreStore) ListEmbedKeyWrappers(ctx context.Context, hashedEmbedID string) ([]*EmbedKeyWrapper, error) {
	if s == nil || s.client == nil {
		return nil, status.Error(codes.Unavailable, "firestore client not initialized")
	}

	iter := s.client.Collection(embedKeysCollection).
		Where("hashedEmbedId", "==", hashedEmbedID).
		Documents(ctx)
	defer iter.Stop()

	var wrappers []*EmbedKeyWrapper
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list embed key wrappers: %w", err)
		}

		var wrapper EmbedKeyWrapper
		if err := doc.DataTo(&wrapper); err != nil {
			return nil, fmt.Errorf("failed to decode embed key wrapper: %w", err)
		}
		wrappers = append(wrappers, &wrapper)
	}

	return wrappers, nil
}

// DeleteEmbed removes the embed document. Wrappers are left in place; they
// are inert once the embed they point at is gone.
func (s *FirestoreStore) DeleteEmbed(ctx context.Context, embedID string) error {
	if s == nil || s.client == nil {
		return status.Error(codes.Unavailable, "firestore client not initialized")
	}

	_, err := s.client.Collection(embedsCollection).Doc(embedID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete embed: %w", err)
	}

	return nil
}
