package network

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// BackendParams ...
type BackendParams struct {
	APIBaseURL string
	// AssetID the upload belongs to. A random one is generated per upload when empty.
	AssetID string
	// KeyPrefix is prepended to the file name to form the object key.
	KeyPrefix string
	// Token is the bearer credential used when a call carries none of its own.
	Token string
}

// BackendProvider talks to the asset backend's multipart endpoints directly.
type BackendProvider struct {
	params BackendParams
	client apiClient
	logger log.Logger
}

// NewBackendProvider ...
func NewBackendProvider(params BackendParams, logger log.Logger) (*BackendProvider, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	return newBackendProvider(params, retryhttp.NewClient(logger), logger)
}

func newBackendProvider(params BackendParams, client *retryablehttp.Client, logger log.Logger) (*BackendProvider, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	return &BackendProvider{
		params: params,
		client: newAPIClient(client, params.APIBaseURL, logger),
		logger: logger,
	}, nil
}

// Negotiate initiates the multipart upload and returns one presigned URL per part.
func (p *BackendProvider) Negotiate(ctx context.Context, params NegotiateParams) (Session, error) {
	if params.NumberOfParts < 1 {
		return Session{}, fmt.Errorf("number of parts must be positive, got %d", params.NumberOfParts)
	}

	assetID := p.params.AssetID
	if assetID == "" {
		assetID = uuid.NewString()
	}
	key := p.params.KeyPrefix + params.FileName

	p.logger.Debugf("Initiating multipart upload of %s (%d parts) for asset %s", key, params.NumberOfParts, assetID)
	resp, err := p.client.initiateUpload(ctx, p.token(params.Token), initiateUploadRequest{
		AssetID:     assetID,
		Key:         key,
		NumberParts: params.NumberOfParts,
	})
	if err != nil {
		return Session{}, fmt.Errorf("initiate upload: %w", err)
	}

	if resp.Key != "" {
		key = resp.Key
	}
	return Session{
		AssetID:         assetID,
		ObjectKey:       key,
		UploadID:        resp.UploadID,
		TargetAddresses: resp.PresignedURLs,
	}, nil
}

// Complete finalizes the upload. The backend answers synchronously, so the returned
// Acknowledgement is already settled.
func (p *BackendProvider) Complete(ctx context.Context, params CompleteParams) (Acknowledgement, error) {
	if err := ValidateParts(params.Parts, len(params.Parts)); err != nil {
		return nil, err
	}

	p.logger.Debugf("Completing upload %s with %d parts", params.Session.UploadID, len(params.Parts))
	if err := p.client.completeUpload(ctx, p.token(params.Token), completeUploadRequest{
		AssetID:  params.Session.AssetID,
		Key:      params.Session.ObjectKey,
		UploadID: params.Session.UploadID,
		Parts:    params.Parts,
	}); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	return Acknowledged{}, nil
}

func (p *BackendProvider) token(callToken string) string {
	if callToken != "" {
		return callToken
	}
	return p.params.Token
}

var _ Provider = (*BackendProvider)(nil)
