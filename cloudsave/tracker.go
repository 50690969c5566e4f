package cloudsave

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

type saveTracker struct {
	tracker analytics.Tracker
}

// NewTracker creates the analytics tracker lifecycle events are sent to.
func NewTracker(config Config, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"user_id":    config.UserID,
		"key_prefix": config.KeyPrefix,
	}
	return analytics.NewDefaultTracker(logger, p)
}

func newSaveTracker(tracker analytics.Tracker) saveTracker {
	return saveTracker{tracker: tracker}
}

func (t saveTracker) logArchiveBuilt(buildTime time.Duration, size int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"build_time_ms":      buildTime.Milliseconds(),
		"archive_size_bytes": size,
	}
	t.tracker.Enqueue("cloudsave_archive_built", properties)
}

func (t saveTracker) logPartsUploaded(uploadTime time.Duration, parts int, bytes int64) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": bytes,
		"part_count":        parts,
	}
	t.tracker.Enqueue("cloudsave_parts_uploaded", properties)
}

func (t saveTracker) logSaveFinished(took time.Duration, state State, err error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"save_time_s": took.Truncate(time.Second).Seconds(),
		"successful":  err == nil,
		"final_state": state.String(),
	}
	if err != nil {
		properties["error"] = err.Error()
	}
	t.tracker.Enqueue("cloudsave_save_finished", properties)
}

func (t saveTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
