package cloudsave

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/splatworks/storagekit/cloudsave/network/chunkuploader"
)

// ArchiveBuilder produces the bytes of the document archive.
type ArchiveBuilder interface {
	BuildArchive(ctx context.Context) ([]byte, error)
}

// PartUploader uploads every chunk to the URL with the same index.
type PartUploader interface {
	Upload(ctx context.Context, chunks []chunkuploader.Chunk, urls []chunkuploader.UploadURL) (*chunkuploader.UploadResult, error)
}

// Notifier is how a save reports to the user.
type Notifier interface {
	NotifyBusy()
	NotifyIdle()
	NotifyError(header, message string)
	NotifySaved()
}

// DocumentNamer returns the name of the open document, or "" when it has none.
type DocumentNamer interface {
	CurrentDocumentName() string
}

// Localizer translates a message key. Unknown keys are returned as they are.
type Localizer func(key string) string

// Message keys passed to the Localizer.
const (
	MsgAuthRequired     = "cloud.auth-required"
	MsgPleaseLogin      = "cloud.please-login"
	MsgNoProvider       = "cloud.no-provider"
	MsgProviderRequired = "cloud.provider-required"
	MsgSaveFailed       = "cloud.save-failed"
)

var defaultMessages = map[string]string{
	MsgAuthRequired:     "Authentication required",
	MsgPleaseLogin:      "Please log in to save to the cloud.",
	MsgNoProvider:       "No storage provider",
	MsgProviderRequired: "A storage provider is required to save to the cloud.",
	MsgSaveFailed:       "Save failed",
}

// DefaultLocalizer returns the English text of key.
func DefaultLocalizer(key string) string {
	if msg, ok := defaultMessages[key]; ok {
		return msg
	}
	return key
}

// LogNotifier reports through a logger, for headless use.
type LogNotifier struct {
	logger log.Logger
}

// NewLogNotifier ...
func NewLogNotifier(logger log.Logger) LogNotifier {
	return LogNotifier{logger: logger}
}

// NotifyBusy ...
func (n LogNotifier) NotifyBusy() {
	n.logger.Debugf("Saving...")
}

// NotifyIdle ...
func (n LogNotifier) NotifyIdle() {
	n.logger.Debugf("Idle")
}

// NotifyError ...
func (n LogNotifier) NotifyError(header, message string) {
	n.logger.Errorf("%s: %s", header, message)
}

// NotifySaved ...
func (n LogNotifier) NotifySaved() {
	n.logger.Donef("Document saved")
}
