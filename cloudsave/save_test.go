package cloudsave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/splatworks/storagekit/cloudsave/network"
	"github.com/splatworks/storagekit/cloudsave/network/chunkuploader"
)

// tenBytes splits into parts of 4, 4 and 2 bytes with testConfig.
var tenBytes = []byte("0123456789")

func testConfig() Config {
	config := DefaultConfig()
	config.MinChunkSize = 4
	return config
}

type saveFixture struct {
	builder  *fakeBuilder
	provider *mockProvider
	uploader *fakeUploader
	notifier *recordingNotifier
	states   []State
	deps     Dependencies
}

func newSaveFixture() *saveFixture {
	f := &saveFixture{
		builder:  &fakeBuilder{data: tenBytes},
		provider: &mockProvider{},
		uploader: &fakeUploader{},
		notifier: &recordingNotifier{},
	}
	f.deps = Dependencies{
		Builder:     f.builder,
		Provider:    f.provider,
		Credentials: signedIn(),
		Uploader:    f.uploader,
		Notifier:    f.notifier,
		OnStateChange: func(s State) {
			f.states = append(f.states, s)
		},
	}
	return f
}

func (f *saveFixture) saver() *Saver {
	return NewSaver(f.deps, testConfig(), log.NewLogger())
}

func TestSave_Success(t *testing.T) {
	f := newSaveFixture()
	session := sessionFor(3)
	f.provider.On("Negotiate", mock.Anything, network.NegotiateParams{
		FileName:      "my-scene.ssproj",
		NumberOfParts: 3,
		Token:         "token-1",
	}).Return(session, nil).Once()
	f.provider.On("Complete", mock.Anything, network.CompleteParams{
		Session: session,
		Parts: []network.PartResult{
			{PartNumber: 1, ETag: "etag-1"},
			{PartNumber: 2, ETag: "etag-2"},
			{PartNumber: 3, ETag: "etag-3"},
		},
		Token: "token-1",
	}).Return(network.Acknowledged{}, nil).Once()

	ok := f.saver().Save(context.Background(), "my-scene.ssproj")
	require.True(t, ok)

	f.provider.AssertExpectations(t)
	assert.Equal(t, []State{
		StateBuilding,
		StateChunking,
		StateNegotiating,
		StateUploadingParts,
		StateConfirming,
		StateAwaitingAck,
		StateCompleted,
	}, f.states)

	require.Len(t, f.uploader.chunks, 3)
	assert.Equal(t, []byte("0123"), f.uploader.chunks[0].Data)
	assert.Equal(t, []byte("4567"), f.uploader.chunks[1].Data)
	assert.Equal(t, []byte("89"), f.uploader.chunks[2].Data)
	assert.Equal(t, chunkuploader.PresignedPUT(session.TargetAddresses), f.uploader.urls)

	events, errs := f.notifier.snapshot()
	assert.Equal(t, []string{"busy", "saved", "idle"}, events)
	assert.Empty(t, errs)
}

func TestSave_AuthRequiredBeforeAnyNetworkCall(t *testing.T) {
	tests := []struct {
		name        string
		credentials CredentialSource
	}{
		{name: "signed out", credentials: staticCredentials{}},
		{name: "credential source fails", credentials: staticCredentials{err: errors.New("keychain locked")}},
		{name: "no credential source", credentials: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSaveFixture()
			f.deps.Credentials = tt.credentials

			ok := f.saver().Save(context.Background(), "")
			assert.False(t, ok)

			f.provider.AssertNotCalled(t, "Negotiate", mock.Anything, mock.Anything)
			assert.Equal(t, 0, f.builder.calls)
			assert.Equal(t, 0, f.uploader.calls)
			assert.Empty(t, f.states)

			events, errs := f.notifier.snapshot()
			assert.Equal(t, []string{"error"}, events)
			assert.Equal(t, []notification{{header: "Authentication required", message: "Please log in to save to the cloud."}}, errs)
		})
	}
}

func TestSave_NoProvider(t *testing.T) {
	f := newSaveFixture()
	f.deps.Provider = nil
	f.deps.Localizer = func(key string) string {
		if key == MsgNoProvider {
			return "Kein Speicheranbieter"
		}
		return ""
	}

	ok := f.saver().Save(context.Background(), "")
	assert.False(t, ok)
	assert.Equal(t, 0, f.builder.calls)

	_, errs := f.notifier.snapshot()
	assert.Equal(t, []notification{{header: "Kein Speicheranbieter", message: "A storage provider is required to save to the cloud."}}, errs)
}

func TestSave_DocumentName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		namer    DocumentNamer
		want     string
	}{
		{name: "explicit name wins", fileName: "explicit.ssproj", namer: staticNamer("open.ssproj"), want: "explicit.ssproj"},
		{name: "open document name", fileName: "  ", namer: staticNamer("open.ssproj"), want: "open.ssproj"},
		{name: "unnamed document", namer: staticNamer(""), want: DefaultDocumentName},
		{name: "no namer", want: DefaultDocumentName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSaveFixture()
			f.deps.Namer = tt.namer
			f.provider.On("Negotiate", mock.Anything, mock.MatchedBy(func(p network.NegotiateParams) bool {
				return p.FileName == tt.want
			})).Return(sessionFor(3), nil).Once()
			f.provider.On("Complete", mock.Anything, mock.Anything).Return(network.Acknowledged{}, nil).Once()

			assert.True(t, f.saver().Save(context.Background(), tt.fileName))
			f.provider.AssertExpectations(t)
		})
	}
}

func TestSave_ArchiveFailures(t *testing.T) {
	tests := []struct {
		name        string
		builder     *fakeBuilder
		wantMessage string
	}{
		{name: "empty archive", builder: &fakeBuilder{data: []byte{}}, wantMessage: "archive build failed: archive is empty"},
		{name: "builder error", builder: &fakeBuilder{err: errors.New("disk full")}, wantMessage: "archive build failed: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSaveFixture()
			f.deps.Builder = tt.builder

			assert.False(t, f.saver().Save(context.Background(), ""))

			f.provider.AssertNotCalled(t, "Negotiate", mock.Anything, mock.Anything)
			assert.Equal(t, 0, f.uploader.calls)
			assert.Equal(t, []State{StateBuilding, StateFailed}, f.states)

			events, errs := f.notifier.snapshot()
			assert.Equal(t, []string{"busy", "error", "idle"}, events)
			assert.Equal(t, []notification{{header: "Save failed", message: tt.wantMessage}}, errs)
		})
	}
}

func TestSave_NegotiationRejectedStopsBeforeUploads(t *testing.T) {
	f := newSaveFixture()
	f.provider.On("Negotiate", mock.Anything, mock.Anything).
		Return(nil, &network.RejectedError{Stage: network.StageNegotiate, Reason: "quota exceeded"}).Once()

	assert.False(t, f.saver().Save(context.Background(), ""))

	assert.Equal(t, 0, f.uploader.calls)
	f.provider.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	assert.Equal(t, []State{StateBuilding, StateChunking, StateNegotiating, StateFailed}, f.states)

	_, errs := f.notifier.snapshot()
	assert.Equal(t, []notification{{header: "Save failed", message: "quota exceeded"}}, errs)
}

func TestSave_InvalidSession(t *testing.T) {
	f := newSaveFixture()
	f.provider.On("Negotiate", mock.Anything, mock.Anything).Return(sessionFor(2), nil).Once()

	assert.False(t, f.saver().Save(context.Background(), ""))

	assert.Equal(t, 0, f.uploader.calls)
	_, errs := f.notifier.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid upload targets: target address count mismatch: expected 3, got 2", errs[0].message)
}

func TestSave_FailedPartSkipsCompletion(t *testing.T) {
	f := newSaveFixture()
	f.uploader.err = &chunkuploader.PartError{PartNumber: 2, StatusCode: 403, Err: errors.New("Forbidden")}
	f.provider.On("Negotiate", mock.Anything, mock.Anything).Return(sessionFor(3), nil).Once()

	assert.False(t, f.saver().Save(context.Background(), ""))

	f.provider.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	assert.Equal(t, StateFailed, f.states[len(f.states)-1])
	assert.Equal(t, StateUploadingParts, f.states[len(f.states)-2])

	_, errs := f.notifier.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "upload part 2: status 403: Forbidden", errs[0].message)
}

func TestSave_ConfirmationFailures(t *testing.T) {
	tests := []struct {
		name        string
		ack         network.Acknowledgement
		completeErr error
		wantStates  []State
		wantMessage string
	}{
		{
			name:        "complete rejected",
			completeErr: &network.RejectedError{Stage: network.StageConfirm, Reason: "upload expired"},
			wantStates:  []State{StateConfirming, StateFailed},
			wantMessage: "upload expired",
		},
		{
			name:        "acknowledgement times out",
			ack:         failingAck{err: network.ErrConfirmationTimeout},
			wantStates:  []State{StateConfirming, StateAwaitingAck, StateFailed},
			wantMessage: network.ErrConfirmationTimeout.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSaveFixture()
			f.provider.On("Negotiate", mock.Anything, mock.Anything).Return(sessionFor(3), nil).Once()
			f.provider.On("Complete", mock.Anything, mock.Anything).Return(tt.ack, tt.completeErr).Once()

			assert.False(t, f.saver().Save(context.Background(), ""))

			assert.Equal(t, tt.wantStates, f.states[len(f.states)-len(tt.wantStates):])
			_, errs := f.notifier.snapshot()
			assert.Equal(t, []notification{{header: "Save failed", message: tt.wantMessage}}, errs)
		})
	}
}

func TestSave_BusyClearedOnPanic(t *testing.T) {
	f := newSaveFixture()
	f.builder.panicWith = "boom"

	assert.False(t, f.saver().Save(context.Background(), ""))

	events, errs := f.notifier.snapshot()
	assert.Equal(t, []string{"busy", "error", "idle"}, events)
	require.Len(t, errs, 1)
	assert.Equal(t, "unexpected panic: boom", errs[0].message)
	assert.Equal(t, []State{StateBuilding, StateFailed}, f.states)
}

type blockingBuilder struct {
	started chan struct{}
	release chan struct{}
}

func (b blockingBuilder) BuildArchive(context.Context) ([]byte, error) {
	close(b.started)
	<-b.release
	return tenBytes, nil
}

func TestSave_RejectsConcurrentSave(t *testing.T) {
	f := newSaveFixture()
	builder := blockingBuilder{started: make(chan struct{}), release: make(chan struct{})}
	f.deps.Builder = builder
	f.deps.OnStateChange = nil
	f.provider.On("Negotiate", mock.Anything, mock.Anything).Return(sessionFor(3), nil).Once()
	f.provider.On("Complete", mock.Anything, mock.Anything).Return(network.Acknowledged{}, nil).Once()
	saver := f.saver()

	var wg sync.WaitGroup
	var first bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = saver.Save(context.Background(), "")
	}()

	<-builder.started
	assert.False(t, saver.Save(context.Background(), ""))
	close(builder.release)
	wg.Wait()

	assert.True(t, first)
	_, errs := f.notifier.snapshot()
	assert.Equal(t, []notification{{header: "Save failed", message: ErrSaveInProgress.Error()}}, errs)

	assert.False(t, saver.running.Load())
}

func TestSave_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics("test", reg)
	require.NoError(t, err)

	f := newSaveFixture()
	f.deps.Metrics = metrics
	f.provider.On("Negotiate", mock.Anything, mock.Anything).Return(sessionFor(3), nil).Once()
	f.provider.On("Complete", mock.Anything, mock.Anything).Return(network.Acknowledged{}, nil).Once()
	require.True(t, f.saver().Save(context.Background(), ""))

	f.provider.On("Negotiate", mock.Anything, mock.Anything).
		Return(nil, &network.RejectedError{Stage: network.StageNegotiate, Reason: "quota exceeded"}).Once()
	require.False(t, f.saver().Save(context.Background(), ""))

	assert.Equal(t, float64(len(tenBytes)), testutil.ToFloat64(metrics.uploadedBytes))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.uploadedParts))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.saveFailures.WithLabelValues("negotiating")))

	again, err := NewMetrics("test", reg)
	require.NoError(t, err)
	assert.Equal(t, float64(3), testutil.ToFloat64(again.uploadedParts))
}

func TestSaver_Enabled(t *testing.T) {
	f := newSaveFixture()
	assert.True(t, f.saver().Enabled(context.Background()))

	f.deps.Credentials = staticCredentials{}
	assert.False(t, f.saver().Enabled(context.Background()))

	f.deps.Credentials = nil
	assert.False(t, f.saver().Enabled(context.Background()))
}

func TestSave_CancelledContext(t *testing.T) {
	f := newSaveFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.On("Negotiate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	done := make(chan bool)
	go func() { done <- f.saver().Save(ctx, "") }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("save did not return after cancellation")
	}
	_, errs := f.notifier.snapshot()
	assert.Equal(t, []notification{{header: "Save failed", message: context.Canceled.Error()}}, errs)
}
