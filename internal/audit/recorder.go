package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/caseguard/internal/jobs"
	"github.com/onnwee/caseguard/internal/middleware"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	QueueSize int
	Logger    *slog.Logger
	Metrics   *jobs.Metrics // Optional
}

// Recorder appends entries off the request path. Record never blocks and
// never fails the caller; append failures are logged by the queue worker.
type Recorder struct {
	chain  *Chain
	queue  *jobs.Queue[Input]
	logger *slog.Logger
}

// NewRecorder creates a Recorder that appends to chain.
func NewRecorder(chain *Chain, cfg RecorderConfig) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Recorder{chain: chain, logger: cfg.Logger}
	r.queue = jobs.NewQueue(jobs.QueueConfig{
		JobType: jobs.JobTypeAuditAppend,
		Size:    cfg.QueueSize,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}, r.append)
	return r
}

func (r *Recorder) append(ctx context.Context, in Input) error {
	_, err := r.chain.Append(ctx, in)
	return err
}

// Start launches the background worker.
func (r *Recorder) Start() { r.queue.Start() }

// Stop drains pending entries until ctx is done.
func (r *Recorder) Stop(ctx context.Context) error { return r.queue.Stop(ctx) }

// Record queues in for appending. Invalid input is dropped immediately.
// Returns false when the entry will not be written.
func (r *Recorder) Record(in Input) bool {
	if err := in.Validate(); err != nil {
		r.logger.Warn("dropping invalid audit entry",
			slog.String("action", string(in.Action)),
			slog.String("error", err.Error()))
		return false
	}
	return r.queue.Enqueue(in)
}

// FromRequest builds an Input from the request context: the authenticated
// principal, client IP, user agent and request ID.
func FromRequest(r *http.Request, action Action, resourceType, resourceID string) Input {
	in := Input{
		PrincipalID:  middleware.GetPrincipalID(r.Context()),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IP:           middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		in.Metadata = map[string]string{"request_id": requestID}
	}
	return in
}
