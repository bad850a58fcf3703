// Package media offloads message payloads to an S3-compatible object store
// in the background. Offload is best effort: a failed download or upload
// leaves the message row with a null media reference and is never retried.
package media

import (
	"context"
	"mime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/store"
)

// ObjectStore writes a payload under an object name and returns the URL it
// is reachable at.
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

const (
	queueSize      = 64
	offloadTimeout = 2 * time.Minute
)

type job struct {
	account   string
	contactID string
	waID      string
	info      *ingest.MediaInfo
}

// Worker drains the offload queue serially. Enqueue never blocks the
// ingestion path; when the queue is full the job is shed.
type Worker struct {
	db      *store.DB
	objects ObjectStore
	logger  *zap.Logger

	jobs chan job
	once sync.Once
	done chan struct{}
}

func NewWorker(db *store.DB, objects ObjectStore, logger *zap.Logger) *Worker {
	return &Worker{
		db:      db,
		objects: objects,
		logger:  logger.Named("media"),
		jobs:    make(chan job, queueSize),
		done:    make(chan struct{}),
	}
}

// Enqueue implements ingest.MediaSink.
func (w *Worker) Enqueue(account, contactID, waID string, info *ingest.MediaInfo) bool {
	select {
	case w.jobs <- job{account: account, contactID: contactID, waID: waID, info: info}:
		return true
	default:
		return false
	}
}

// Start runs the worker loop until Stop.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		for j := range w.jobs {
			w.process(j)
		}
	}()
}

// Stop closes the queue and waits for in-flight work to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.jobs) })
	<-w.done
}

func (w *Worker) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), offloadTimeout)
	defer cancel()

	data, err := j.info.Fetch(ctx)
	if err != nil {
		w.logger.Warn("media download failed",
			zap.String("account", j.account), zap.String("wa_id", j.waID), zap.Error(err))
		return
	}

	objectName := j.account + "/" + j.contactID + "/" + j.waID + extensionFor(j.info.Mime)
	url, err := w.objects.Upload(ctx, objectName, data, j.info.Mime)
	if err != nil {
		w.logger.Warn("media upload failed",
			zap.String("account", j.account), zap.String("wa_id", j.waID), zap.Error(err))
		return
	}

	if err := w.db.AttachMedia(j.account, j.waID, url, j.info.Mime, int64(len(data))); err != nil {
		w.logger.Warn("media reference update failed",
			zap.String("account", j.account), zap.String("wa_id", j.waID), zap.Error(err))
		return
	}
	w.logger.Info("media offloaded",
		zap.String("account", j.account), zap.String("wa_id", j.waID), zap.Int("bytes", len(data)))
}

func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
