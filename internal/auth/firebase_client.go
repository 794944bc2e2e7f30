package auth

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// FirebaseClient owns the Firestore connection the durable stores share.
type FirebaseClient struct {
	firestoreClient *firestore.Client
}

// NewFirebaseClient dials Firestore for the given project.
func NewFirebaseClient(ctx context.Context, projectID, credJSON string) (*FirebaseClient, error) {
	opt := option.WithCredentialsJSON([]byte(credJSON))

	config := &firebase.Config{
		ProjectID: projectID,
	}

	app, err := firebase.NewApp(ctx, config, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}

	firestoreClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}

	return &FirebaseClient{
		firestoreClient: firestoreClient,
	}, nil
}

// Firestore exposes the underlying client for the durable stores.
func (f *FirebaseClient) Firestore() *firestore.Client {
	return f.firestoreClient
}

// Close closes the Firestore client
func (f *FirebaseClient) Close() error {
	if f.firestoreClient != nil {
		return f.firestoreClient.Close()
	}
	return nil
}
