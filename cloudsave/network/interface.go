package network

import (
	"context"
)

// Provider negotiates upload targets for a multipart upload and finalizes it once
// every part has been stored. The host-mediated and the direct backend variants
// are both Providers, so chunking and part uploads are shared between them.
type Provider interface {
	Negotiate(ctx context.Context, params NegotiateParams) (Session, error)
	Complete(ctx context.Context, params CompleteParams) (Acknowledgement, error)
}

// Acknowledgement is returned once a completion request has been sent.
// Wait blocks until the other side confirmed the upload.
type Acknowledgement interface {
	Wait(ctx context.Context) error
}

// NegotiateParams ...
type NegotiateParams struct {
	FileName      string
	NumberOfParts int
	// Token is the bearer credential of the current user. Host-mediated providers ignore it.
	Token string
}

// CompleteParams ...
type CompleteParams struct {
	Session Session
	Parts   []PartResult
	Token   string
}

// Acknowledged is an Acknowledgement for providers that finalize synchronously.
type Acknowledged struct{}

// Wait ...
func (Acknowledged) Wait(context.Context) error { return nil }
