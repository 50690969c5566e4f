// Package cloudsave saves the open document to cloud storage: it builds the archive,
// splits it into parts, negotiates upload targets, uploads the parts and confirms the upload.
package cloudsave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/splatworks/storagekit/cloudsave/network"
	"github.com/splatworks/storagekit/cloudsave/network/chunkuploader"
)

// Dependencies of a Saver. Builder, Provider and Credentials are required for a save to
// succeed; the rest have defaults.
type Dependencies struct {
	Builder     ArchiveBuilder
	Provider    network.Provider
	Credentials CredentialSource
	// Uploader defaults to a chunkuploader.Uploader honoring Config.UploadConcurrency.
	Uploader PartUploader
	// Notifier defaults to a LogNotifier.
	Notifier Notifier
	Namer    DocumentNamer
	// Localizer defaults to DefaultLocalizer.
	Localizer Localizer
	Tracker   analytics.Tracker
	Metrics   *Metrics
	// OnStateChange is called on every state transition of a save.
	OnStateChange func(State)
}

// Saver runs cloud saves, one at a time.
type Saver struct {
	deps    Dependencies
	config  Config
	logger  log.Logger
	tracker saveTracker

	running atomic.Bool
}

// NewSaver ...
func NewSaver(deps Dependencies, config Config, logger log.Logger) *Saver {
	if logger == nil {
		logger = log.NewLogger()
	}
	if config.MinChunkSize == 0 {
		config.MinChunkSize = chunkuploader.DefaultMinChunkSize
	}
	if deps.Uploader == nil {
		uploaderConfig := chunkuploader.DefaultConfig()
		uploaderConfig.Concurrency = config.UploadConcurrency
		deps.Uploader = chunkuploader.New(uploaderConfig, logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	if deps.Localizer == nil {
		deps.Localizer = DefaultLocalizer
	}
	return &Saver{
		deps:    deps,
		config:  config,
		logger:  logger,
		tracker: newSaveTracker(deps.Tracker),
	}
}

// Enabled reports whether a user is signed in, so saving to the cloud is possible.
func (s *Saver) Enabled(ctx context.Context) bool {
	if s.deps.Credentials == nil {
		return false
	}
	creds, err := s.deps.Credentials.Credentials(ctx)
	return err == nil && creds != nil
}

// Save saves the document as fileName, or under its default name when fileName is empty.
// Every failure is reported through the Notifier exactly once; Save reports whether
// the upload was confirmed.
func (s *Saver) Save(ctx context.Context, fileName string) bool {
	s.logger.TDebugf("Save start")
	defer s.logger.TDebugf("Save done")

	if !s.running.CompareAndSwap(false, true) {
		s.deps.Notifier.NotifyError(s.localize(MsgSaveFailed), ErrSaveInProgress.Error())
		return false
	}
	defer s.running.Store(false)

	creds, err := s.credentials(ctx)
	if err != nil {
		s.logger.Warnf("Failed to read credentials: %s", err)
	}
	if creds == nil {
		s.deps.Notifier.NotifyError(s.localize(MsgAuthRequired), s.localize(MsgPleaseLogin))
		return false
	}

	if s.deps.Provider == nil {
		s.deps.Notifier.NotifyError(s.localize(MsgNoProvider), s.localize(MsgProviderRequired))
		return false
	}

	name := s.documentName(fileName)
	s.logger.Infof("Saving %s to the cloud...", name)

	s.deps.Notifier.NotifyBusy()
	defer s.deps.Notifier.NotifyIdle()
	defer s.tracker.wait()

	start := time.Now()
	r := newRun(s.deps.OnStateChange)
	result, err := s.run(ctx, r, name, creds)
	took := time.Since(start)
	s.tracker.logSaveFinished(took, r.state, err)

	if err != nil {
		failedIn := r.state
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			failedIn = stageErr.State
		}
		if advanceErr := r.advance(StateFailed); advanceErr != nil {
			s.logger.Debugf("%s", advanceErr)
		}
		s.deps.Metrics.recordFailure(took, failedIn)
		s.logger.Errorf("Save failed while %s: %s", failedIn, err)
		s.deps.Notifier.NotifyError(s.localize(MsgSaveFailed), err.Error())
		return false
	}

	s.deps.Metrics.recordSuccess(took, result.Bytes, len(result.Parts))
	s.logger.Donef("Saved %s (%s in %d parts) in %s", name,
		units.HumanSizeWithPrecision(float64(result.Bytes), 3), len(result.Parts), took.Round(time.Millisecond))
	s.deps.Notifier.NotifySaved()
	return true
}

// run drives one save from Idle to Completed. A panic in any collaborator is turned into
// an error of the state it happened in.
func (s *Saver) run(ctx context.Context, r *run, name string, creds *Credentials) (result *chunkuploader.UploadResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &StageError{State: r.state, Err: fmt.Errorf("unexpected panic: %v", p)}
		}
	}()

	fail := func(err error) error {
		return &StageError{State: r.state, Err: err}
	}
	token := string(creds.Token)

	if err := r.advance(StateBuilding); err != nil {
		return nil, err
	}
	buildStart := time.Now()
	data, err := s.buildArchive(ctx)
	if err != nil {
		return nil, fail(err)
	}
	s.tracker.logArchiveBuilt(time.Since(buildStart), len(data))
	s.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(len(data)), 3))

	if err := r.advance(StateChunking); err != nil {
		return nil, err
	}
	chunks, err := chunkuploader.Split(data, s.config.MinChunkSize, s.config.SuggestedParts)
	if err != nil {
		return nil, fail(fmt.Errorf("split archive: %w", err))
	}
	s.logger.Debugf("Split archive into %d parts", len(chunks))

	if err := r.advance(StateNegotiating); err != nil {
		return nil, err
	}
	session, err := s.deps.Provider.Negotiate(ctx, network.NegotiateParams{
		FileName:      name,
		NumberOfParts: len(chunks),
		Token:         token,
	})
	if err != nil {
		return nil, fail(err)
	}
	if err := session.Validate(len(chunks)); err != nil {
		return nil, fail(fmt.Errorf("invalid upload targets: %w", err))
	}
	s.logger.Debugf("Upload %s negotiated for key %s", session.UploadID, session.ObjectKey)

	if err := r.advance(StateUploadingParts); err != nil {
		return nil, err
	}
	uploaded, err := s.deps.Uploader.Upload(ctx, chunks, chunkuploader.PresignedPUT(session.TargetAddresses))
	if err != nil {
		return nil, fail(err)
	}
	if err := network.ValidateParts(uploaded.Parts, len(chunks)); err != nil {
		return nil, fail(fmt.Errorf("invalid part results: %w", err))
	}
	s.tracker.logPartsUploaded(uploaded.Took, len(uploaded.Parts), uploaded.Bytes)

	if err := r.advance(StateConfirming); err != nil {
		return nil, err
	}
	ack, err := s.deps.Provider.Complete(ctx, network.CompleteParams{
		Session: session,
		Parts:   uploaded.Parts,
		Token:   token,
	})
	if err != nil {
		return nil, fail(err)
	}

	if err := r.advance(StateAwaitingAck); err != nil {
		return nil, err
	}
	if err := ack.Wait(ctx); err != nil {
		return nil, fail(err)
	}

	if err := r.advance(StateCompleted); err != nil {
		return nil, err
	}
	return uploaded, nil
}

func (s *Saver) buildArchive(ctx context.Context) ([]byte, error) {
	if s.deps.Builder == nil {
		return nil, fmt.Errorf("%w: no archive builder", ErrArchiveBuild)
	}
	data, err := s.deps.Builder.BuildArchive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchiveBuild, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: archive is empty", ErrArchiveBuild)
	}
	return data, nil
}

func (s *Saver) credentials(ctx context.Context) (*Credentials, error) {
	if s.deps.Credentials == nil {
		return nil, ErrAuthRequired
	}
	return s.deps.Credentials.Credentials(ctx)
}

func (s *Saver) documentName(fileName string) string {
	if name := strings.TrimSpace(fileName); name != "" {
		return name
	}
	if s.deps.Namer != nil {
		if name := strings.TrimSpace(s.deps.Namer.CurrentDocumentName()); name != "" {
			return name
		}
	}
	return DefaultDocumentName
}

func (s *Saver) localize(key string) string {
	if msg := s.deps.Localizer(key); msg != "" {
		return msg
	}
	return DefaultLocalizer(key)
}
