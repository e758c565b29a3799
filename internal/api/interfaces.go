package api

import "context"

// Backend abstracts the prediction API operations.
// This interface allows for easy mocking in tests.
type Backend interface {
	// Register creates an account.
	Register(ctx context.Context, creds Credentials) error

	// Login returns a bearer token for the credentials.
	Login(ctx context.Context, creds Credentials) (string, error)

	// Predict uploads an image and returns the predicted label.
	Predict(ctx context.Context, token string, file File) (*Prediction, error)

	// History returns the user's past uploads.
	History(ctx context.Context, token string) ([]Upload, error)

	// FetchImage downloads an uploaded or annotated image by path.
	FetchImage(ctx context.Context, path string) ([]byte, error)
}

// Ensure Client implements Backend
var _ Backend = (*Client)(nil)
