package cloudsave

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/splatworks/storagekit/cloudsave/network"
	"github.com/splatworks/storagekit/cloudsave/network/chunkuploader"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type fakeBuilder struct {
	data      []byte
	err       error
	panicWith interface{}
	calls     int
}

func (b *fakeBuilder) BuildArchive(context.Context) ([]byte, error) {
	b.calls++
	if b.panicWith != nil {
		panic(b.panicWith)
	}
	return b.data, b.err
}

type staticCredentials struct {
	creds *Credentials
	err   error
}

func (c staticCredentials) Credentials(context.Context) (*Credentials, error) {
	return c.creds, c.err
}

func signedIn() staticCredentials {
	return staticCredentials{creds: &Credentials{UserID: "user-1", Token: "token-1"}}
}

type staticNamer string

func (n staticNamer) CurrentDocumentName() string {
	return string(n)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Negotiate(ctx context.Context, params network.NegotiateParams) (network.Session, error) {
	args := m.Called(ctx, params)
	session, _ := args.Get(0).(network.Session)
	return session, args.Error(1)
}

func (m *mockProvider) Complete(ctx context.Context, params network.CompleteParams) (network.Acknowledgement, error) {
	args := m.Called(ctx, params)
	ack, _ := args.Get(0).(network.Acknowledgement)
	return ack, args.Error(1)
}

type failingAck struct {
	err error
}

func (a failingAck) Wait(context.Context) error {
	return a.err
}

type fakeUploader struct {
	mu     sync.Mutex
	calls  int
	chunks []chunkuploader.Chunk
	urls   []chunkuploader.UploadURL
	err    error
}

func (u *fakeUploader) Upload(_ context.Context, chunks []chunkuploader.Chunk, urls []chunkuploader.UploadURL) (*chunkuploader.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.chunks = chunks
	u.urls = urls
	if u.err != nil {
		return nil, u.err
	}
	result := &chunkuploader.UploadResult{}
	for _, c := range chunks {
		result.Parts = append(result.Parts, network.PartResult{PartNumber: c.PartNumber(), ETag: fmt.Sprintf("etag-%d", c.PartNumber())})
		result.Bytes += int64(len(c.Data))
	}
	return result, nil
}

type notification struct {
	header  string
	message string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	errors []notification
}

func (n *recordingNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) NotifyBusy()  { n.record("busy") }
func (n *recordingNotifier) NotifyIdle()  { n.record("idle") }
func (n *recordingNotifier) NotifySaved() { n.record("saved") }

func (n *recordingNotifier) NotifyError(header, message string) {
	n.mu.Lock()
	n.errors = append(n.errors, notification{header: header, message: message})
	n.mu.Unlock()
	n.record("error")
}

func (n *recordingNotifier) snapshot() ([]string, []notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...), append([]notification(nil), n.errors...)
}

func sessionFor(n int) network.Session {
	addresses := make([]string, n)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("https://storage.example.com/part/%d", i+1)
	}
	return network.Session{
		AssetID:         "asset-1",
		ObjectKey:       "scenes/scene.ssproj",
		UploadID:        "upload-1",
		TargetAddresses: addresses,
	}
}
