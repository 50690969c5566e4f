package hostbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"

	"github.com/splatworks/storagekit/cloudsave/network"
)

// Responder is the host half of the exchanges: it answers requestUploadTargets and
// multipartUploadComplete by delegating to a network.Provider.
type Responder struct {
	channel  Channel
	provider network.Provider
	origin   string
	logger   log.Logger

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewResponder ...
func NewResponder(channel Channel, provider network.Provider, logger log.Logger) *Responder {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Responder{
		channel:  channel,
		provider: provider,
		origin:   "host-" + uuid.NewString(),
		logger:   logger,
	}
}

// Serve answers requests until ctx is cancelled, then waits for in-progress answers.
func (r *Responder) Serve(ctx context.Context) error {
	r.Start(ctx)()
	return nil
}

// Start subscribes to the channel and returns once requests are being answered. The
// returned func blocks until ctx is cancelled and in-progress answers are done.
func (r *Responder) Start(ctx context.Context) (wait func()) {
	unsubscribe := r.channel.Subscribe(func(msg Message) {
		if msg.Source == r.origin {
			return
		}
		env, ok := DecodeEnvelope(msg.Data)
		if !ok {
			return
		}

		switch env.Type {
		case TypeRequestUploadTargets:
			r.spawn(func() { r.answerUploadTargets(ctx, env) })
		case TypeMultipartUploadComplete:
			r.spawn(func() { r.answerComplete(ctx, env) })
		}
	})

	return func() {
		<-ctx.Done()
		unsubscribe()

		r.mu.Lock()
		r.stopping = true
		r.mu.Unlock()
		r.wg.Wait()
	}
}

func (r *Responder) spawn(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Responder) answerUploadTargets(ctx context.Context, env Envelope) {
	var req requestUploadTargetsData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		r.reply(ctx, Envelope{Type: TypeUploadTargets, Error: errorJSON("malformed request: " + err.Error())})
		return
	}
	r.logger.Printf("Negotiating %d upload targets for %s", req.NumberOfParts, req.FileName)

	session, err := r.provider.Negotiate(ctx, network.NegotiateParams{
		FileName:      req.FileName,
		NumberOfParts: req.NumberOfParts,
	})
	if err != nil {
		r.logger.Warnf("Failed to negotiate upload targets: %s", err)
		r.reply(ctx, Envelope{Type: TypeUploadTargets, Error: errorJSON(err.Error())})
		return
	}

	out, err := NewEnvelope(TypeUploadTargets, newUploadTargetsData(session))
	if err != nil {
		r.logger.Errorf("Failed to encode upload targets: %s", err)
		return
	}
	r.reply(ctx, out)
}

func (r *Responder) answerComplete(ctx context.Context, env Envelope) {
	var req multipartUploadCompleteData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		r.logger.Warnf("Ignoring malformed %s: %s", env.Type, err)
		return
	}
	r.logger.Printf("Completing upload %s with %d parts", req.UploadID, len(req.Parts))

	ack, err := r.provider.Complete(ctx, network.CompleteParams{
		Session: network.Session{AssetID: req.AssetID, ObjectKey: req.Key, UploadID: req.UploadID},
		Parts:   req.Parts,
	})
	if err == nil {
		err = ack.Wait(ctx)
	}

	data := map[string]interface{}{"success": err == nil}
	if err != nil {
		r.logger.Warnf("Failed to complete upload %s: %s", req.UploadID, err)
		data["error"] = err.Error()
	} else {
		r.logger.Donef("Upload %s completed", req.UploadID)
	}

	out, encodeErr := NewEnvelope(TypeMultipartUploadConfirmed, data)
	if encodeErr != nil {
		r.logger.Errorf("Failed to encode confirmation: %s", encodeErr)
		return
	}
	r.reply(ctx, out)
}

func (r *Responder) reply(ctx context.Context, env Envelope) {
	if err := r.channel.Send(ctx, Message{Source: r.origin, Data: env}); err != nil {
		r.logger.Warnf("Failed to send %s: %s", env.Type, err)
	}
}

func errorJSON(msg string) json.RawMessage {
	raw, _ := json.Marshal(msg)
	return raw
}
