// Package worker runs the background upload loop: finished local recordings
// are streamed to S3 and their rows flipped to completed.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/models"
	"github.com/schoolportally/live-backend/internal/recordings"
	"github.com/schoolportally/live-backend/pkg/queue"
	"github.com/schoolportally/live-backend/pkg/storage"
)

// RecordingProcessor processes recording upload jobs: read the local file,
// upload to S3, update the row, remove the file.
type RecordingProcessor struct {
	recRepo *recordings.Repository
	s3      *storage.S3
	queue   *queue.Queue
	logger  *zap.Logger
}

// NewRecordingProcessor creates a recording upload processor.
func NewRecordingProcessor(recRepo *recordings.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingProcessor{recRepo: recRepo, s3: s3, queue: q, logger: logger}
}

// Process executes one recording upload job.
func (p *RecordingProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.recRepo.GetByID(ctx, payload.RecordingID)
	if err != nil || rec == nil {
		return fmt.Errorf("recording not found: %s", payload.RecordingID)
	}
	if rec.Status == models.RecordingCompleted {
		p.logger.Info("recording already completed", zap.String("recording_id", rec.ID.String()))
		return nil
	}

	f, err := os.Open(payload.LocalPath)
	if err != nil {
		return fmt.Errorf("open recording file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat recording file: %w", err)
	}

	if err := p.recRepo.UpdateStatus(ctx, rec.ID, models.RecordingUploading); err != nil {
		p.logger.Warn("mark uploading failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
	}

	key := storage.RecordingKey(payload.SessionID.String(), payload.RecordingID.String())
	s3URL, err := p.s3.Upload(ctx, p.s3.RecordingsBucket(), key, "video/mp4", f, info.Size())
	if err != nil {
		_ = p.recRepo.UpdateStatus(ctx, rec.ID, models.RecordingFailed)
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.recRepo.UpdateS3Result(ctx, payload.RecordingID, s3URL, key, info.Size()); err != nil {
		return fmt.Errorf("update db: %w", err)
	}
	if err := os.Remove(payload.LocalPath); err != nil {
		p.logger.Warn("remove local recording failed", zap.Error(err), zap.String("path", payload.LocalPath))
	}

	p.logger.Info("recording upload completed",
		zap.String("recording_id", payload.RecordingID.String()),
		zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RecordingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recording worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
