// Package workflow implements the preservation pipeline itself: the
// four stage handlers that move an object from download to confirmed
// preservation, the enqueue planner that feeds the pipeline, and the
// administrative freeze, unfreeze, reset and reenqueue operations.
package workflow

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
)

var (
	// Error is the default error class for the workflow package.
	Error = errs.Class("workflow")

	// ErrJobRunning is returned when an administrative operation is
	// refused because an object has a currently executing job.
	ErrJobRunning = errs.Class("workflow job running")

	mon = monkit.Package()
)

// sipIDFormat renders packaging attempt timestamps, e.g.
// "20210401-123050". SIP filenames derive from it, so two attempts for
// the same object within one second would collide; the database
// uniqueness constraint on sip_filename turns that into a hard error.
const sipIDFormat = "20060102-150405"

// Config holds the filesystem layout and eligibility timing of the
// workflow.
type Config struct {
	// PackageDir is the working directory for in-flight packages.
	PackageDir string
	// ArchiveDir is the long-term archive for logs and reports of
	// processed packages.
	ArchiveDir string

	// PreservationDelay is how long after creation an object must wait
	// before its first preservation.
	PreservationDelay time.Duration
	// UpdateDelay is how long a modification must settle before an
	// update SIP is packaged.
	UpdateDelay time.Duration
}

// Service orchestrates the preservation pipeline.
type Service struct {
	log      *zap.Logger
	db       *pasdb.DB
	queues   *queue.Queues
	packager pas.Packager
	config   Config

	// now is replaced in tests.
	now func() time.Time
}

// NewService creates a workflow service.
func NewService(log *zap.Logger, db *pasdb.DB, queues *queue.Queues, packager pas.Packager, config Config) *Service {
	return &Service{
		log:      log,
		db:       db,
		queues:   queues,
		packager: packager,
		config:   config,
		now:      time.Now,
	}
}

// criteria returns the eligibility criteria evaluated at the current
// time.
func (service *Service) criteria() pasdb.PendingCriteria {
	return pasdb.PendingCriteria{
		Now:               service.now().UTC(),
		PreservationDelay: service.config.PreservationDelay,
		UpdateDelay:       service.config.UpdateDelay,
	}
}

// RegisterHandlers registers all stage handlers and the deferred
// planner on the worker.
func (service *Service) RegisterHandlers(worker *queue.Worker) {
	worker.Register(queue.DownloadObject, func(ctx context.Context, job queue.Job) error {
		return service.DownloadObject(ctx, job.ObjectID)
	})
	worker.Register(queue.CreateSIP, func(ctx context.Context, job queue.Job) error {
		return service.CreateSIP(ctx, job.ObjectID, job.SIPID)
	})
	worker.Register(queue.SubmitSIP, func(ctx context.Context, job queue.Job) error {
		return service.SubmitSIP(ctx, job.ObjectID, job.SIPID)
	})
	worker.Register(queue.ConfirmSIP, func(ctx context.Context, job queue.Job) error {
		return service.ConfirmSIP(ctx, job.ObjectID, job.SIPID)
	})
	worker.Register(queue.EnqueueObjects, func(ctx context.Context, job queue.Job) error {
		_, err := service.EnqueueObjects(ctx, job.Count, false, nil)
		return err
	})
}
