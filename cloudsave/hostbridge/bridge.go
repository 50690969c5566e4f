package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/splatworks/storagekit/cloudsave/network"
)

// DefaultTimeout bounds each exchange, measured from the moment the request is sent.
const DefaultTimeout = 30 * time.Second

// ErrExchangeInFlight is returned when an exchange is started while another one of the
// same kind is still pending.
var ErrExchangeInFlight = errors.New("exchange already in flight")

const (
	exchangeNegotiate = "negotiate"
	exchangeConfirm   = "confirm"
)

// Config ...
type Config struct {
	// Timeout of each exchange. Default: 30 seconds
	Timeout time.Duration
	// Clock drives the timeouts. Default: the real clock
	Clock clockwork.Clock
	// Origin identifies this bridge on the channel; echoes carrying it are dropped.
	// Default: a random UUID
	Origin string
}

func (c Config) withDefaults() Config {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Origin == "" {
		out.Origin = uuid.NewString()
	}
	return out
}

// Bridge runs the negotiate-upload-targets and confirm-completion exchanges with the
// embedding host. At most one exchange of each kind is pending at a time.
type Bridge struct {
	channel Channel
	config  Config
	logger  log.Logger

	mu       sync.Mutex
	inflight map[string]*pendingRequest
}

// New ...
func New(channel Channel, config Config, logger log.Logger) *Bridge {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Bridge{
		channel:  channel,
		config:   config.withDefaults(),
		logger:   logger,
		inflight: map[string]*pendingRequest{},
	}
}

// Origin returns the source id the bridge stamps on its outbound messages.
func (b *Bridge) Origin() string {
	return b.config.Origin
}

// RequestUploadTargets asks the host for one presigned URL per part of fileName.
func (b *Bridge) RequestUploadTargets(ctx context.Context, fileName string, numberOfParts int) (network.Session, error) {
	if numberOfParts < 1 {
		return network.Session{}, fmt.Errorf("number of parts must be positive, got %d", numberOfParts)
	}

	out, err := NewEnvelope(TypeRequestUploadTargets, requestUploadTargetsData{
		FileName:      fileName,
		NumberOfParts: numberOfParts,
	})
	if err != nil {
		return network.Session{}, fmt.Errorf("encode %s: %w", TypeRequestUploadTargets, err)
	}

	timeoutErr := fmt.Errorf("%w after %s", network.ErrNegotiationTimeout, b.config.Timeout)
	p, err := b.start(ctx, exchangeNegotiate, out, TypeUploadTargets, matchUploadTargets, timeoutErr)
	if err != nil {
		return network.Session{}, err
	}

	env, err := p.wait(ctx)
	if err != nil {
		return network.Session{}, err
	}

	var data uploadTargetsData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return network.Session{}, fmt.Errorf("decode %s: %w", TypeUploadTargets, err)
	}
	b.logger.Debugf("Received %d upload targets for upload %s", len(data.PresignedURLs), data.UploadID)

	return data.session(), nil
}

// ConfirmCompletion tells the host every part is stored and waits for its confirmation.
func (b *Bridge) ConfirmCompletion(ctx context.Context, session network.Session, parts []network.PartResult) error {
	ack, err := b.SendCompletion(ctx, session, parts)
	if err != nil {
		return err
	}
	return ack.Wait(ctx)
}

// SendCompletion sends the completion request. The deadline starts with the send, so the
// returned Acknowledgement times out 30 seconds after this call regardless of when it is waited on.
func (b *Bridge) SendCompletion(ctx context.Context, session network.Session, parts []network.PartResult) (network.Acknowledgement, error) {
	out, err := NewEnvelope(TypeMultipartUploadComplete, multipartUploadCompleteData{
		AssetID:  session.AssetID,
		Key:      session.ObjectKey,
		UploadID: session.UploadID,
		Parts:    parts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeMultipartUploadComplete, err)
	}

	timeoutErr := fmt.Errorf("%w after %s", network.ErrConfirmationTimeout, b.config.Timeout)
	p, err := b.start(ctx, exchangeConfirm, out, TypeMultipartUploadConfirmed, matchConfirmed, timeoutErr)
	if err != nil {
		return nil, err
	}

	return confirmation{p: p}, nil
}

// Negotiate implements network.Provider.
func (b *Bridge) Negotiate(ctx context.Context, params network.NegotiateParams) (network.Session, error) {
	return b.RequestUploadTargets(ctx, params.FileName, params.NumberOfParts)
}

// Complete implements network.Provider.
func (b *Bridge) Complete(ctx context.Context, params network.CompleteParams) (network.Acknowledgement, error) {
	return b.SendCompletion(ctx, params.Session, params.Parts)
}

var _ network.Provider = (*Bridge)(nil)

type confirmation struct {
	p *pendingRequest
}

func (c confirmation) Wait(ctx context.Context) error {
	_, err := c.p.wait(ctx)
	return err
}

// start registers the listener, sends out and arms the deadline.
func (b *Bridge) start(ctx context.Context, kind string, out Envelope, expectedType string, match matcher, timeoutErr error) (*pendingRequest, error) {
	p := newPendingRequest(expectedType, match)

	b.mu.Lock()
	if _, ok := b.inflight[kind]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", kind, ErrExchangeInFlight)
	}
	b.inflight[kind] = p
	b.mu.Unlock()

	p.onSettle(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.inflight[kind] == p {
			delete(b.inflight, kind)
		}
	})
	// registered before sending so a fast response cannot slip by
	p.onSettle(b.channel.Subscribe(b.listener(kind, p)))

	if err := b.channel.Send(ctx, Message{Source: b.config.Origin, Data: out}); err != nil {
		p.settle(outcome{err: fmt.Errorf("send %s: %w", out.Type, err)})
		_, err := p.wait(ctx)
		return nil, err
	}
	b.logger.Debugf("Sent %s, waiting up to %s for %s", out.Type, b.config.Timeout, expectedType)

	p.startDeadline(b.config.Clock, b.config.Timeout, timeoutErr)

	return p, nil
}

func (b *Bridge) listener(kind string, p *pendingRequest) func(Message) {
	return func(msg Message) {
		if msg.Source != "" && msg.Source == b.config.Origin {
			return
		}
		env, ok := DecodeEnvelope(msg.Data)
		if !ok {
			return
		}
		if _, ignored := p.handle(env); ignored {
			b.logger.Debugf("Ignoring %s message that does not settle the %s exchange: %s", env.Type, kind, string(env.Data))
		}
	}
}

func matchUploadTargets(env Envelope) (bool, error) {
	if msg := env.ErrorMessage(); msg != "" {
		return true, &network.RejectedError{Stage: network.StageNegotiate, Reason: msg}
	}
	var data uploadTargetsData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false, nil
	}
	return true, nil
}

func matchConfirmed(env Envelope) (bool, error) {
	var data multipartUploadConfirmedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false, nil
	}
	return data.confirmed(), nil
}
