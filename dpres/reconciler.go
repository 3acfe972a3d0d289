package dpres

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pasflow/pasflow/heartbeat"
	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
)

// DefaultDays is how many day folders the reconciler scans by default.
// The preservation service keeps reports of rejected packages for at
// least ten days, so a month-long window leaves plenty of slack.
const DefaultDays = 31

const reportSuffix = "-ingest-report.xml"

// sipResult is one processed transfer discovered on the remote.
type sipResult struct {
	sipFilename string
	reportPath  string
	reportTime  time.Time
	// transferPath is only set for rejected transfers; the remote
	// directory is removed after the reports have been fetched.
	transferPath string
	status       string
}

// Reconciler crawls the preservation service for processed submissions.
type Reconciler struct {
	log        *zap.Logger
	db         *pasdb.DB
	queues     *queue.Queues
	client     Client
	heartbeat  *heartbeat.Monitor
	packageDir string

	// now is replaced in tests.
	now func() time.Time
}

// NewReconciler creates a Reconciler. The heartbeat monitor may be nil.
func NewReconciler(log *zap.Logger, db *pasdb.DB, queues *queue.Queues, client Client, monitor *heartbeat.Monitor, packageDir string) *Reconciler {
	return &Reconciler{
		log:        log,
		db:         db,
		queues:     queues,
		client:     client,
		heartbeat:  monitor,
		packageDir: packageDir,
		now:        time.Now,
	}
}

// SyncProcessedSIPs scans the last days day folders of the accepted and
// rejected trees, marks the matching packages preserved or rejected,
// downloads their ingest reports and enqueues the confirm stage.
// Returns how many packages were updated.
func (reconciler *Reconciler) SyncProcessedSIPs(ctx context.Context, days int) (updated int, err error) {
	defer mon.Task()(&ctx)(&err)
	if days <= 0 {
		days = DefaultDays
	}

	// Packages confirmed recently are already persisted or have their
	// confirm job enqueued; skipping them avoids re-listing their
	// transfer directories. Two extra days cover submissions that took
	// unusually long to process.
	cutoff := reconciler.now().UTC().AddDate(0, 0, -(days + 2))
	confirmed, err := reconciler.db.RecentConfirmedSIPFilenames(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	accepted, err := reconciler.findProcessed(ctx, "accepted", days, confirmed)
	if err != nil {
		return 0, err
	}
	reconciler.log.Info("found accepted SIPs", zap.Int("count", len(accepted)))

	rejected, err := reconciler.findProcessed(ctx, "rejected", days, confirmed)
	if err != nil {
		return 0, err
	}
	reconciler.log.Info("found rejected SIPs", zap.Int("count", len(rejected)))

	for _, result := range combineResults(accepted, rejected) {
		ok, err := reconciler.updateSIP(ctx, result)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}

	if reconciler.heartbeat != nil {
		if err := reconciler.heartbeat.Submit(ctx, heartbeat.SourceSyncProcessedSIPs); err != nil {
			reconciler.log.Warn("failed to submit heartbeat", zap.Error(err))
		}
	}
	return updated, nil
}

// findProcessed lists the processed transfers under one status tree.
func (reconciler *Reconciler) findProcessed(ctx context.Context, status string, days int, confirmed map[string]bool) (_ []sipResult, err error) {
	defer mon.Task()(&ctx)(&err)

	dayDirs, err := reconciler.client.ListDir(status)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(dayDirs))
	for _, name := range dayDirs {
		existing[name] = true
	}

	today := reconciler.now().UTC()
	var results []sipResult

	for i := 0; i < days; i++ {
		dayDir := today.AddDate(0, 0, -i).Format("2006-01-02")
		if !existing[dayDir] {
			continue
		}

		sipFilenames, err := reconciler.client.ListDir(path.Join(status, dayDir))
		if err != nil {
			return nil, err
		}
		found := 0

		for _, sipFilename := range sipFilenames {
			if confirmed[sipFilename] {
				continue
			}
			sipDir := path.Join(status, dayDir, sipFilename)
			entries, err := reconciler.client.ListDir(sipDir)
			if err != nil {
				return nil, err
			}

			for _, entry := range entries {
				if !strings.HasSuffix(entry, reportSuffix) {
					continue
				}
				reportPath := path.Join(sipDir, entry)
				// The same SIP may have been transferred more than
				// once; the report time picks the newest transfer.
				reportTime, err := reconciler.client.ModTime(reportPath)
				if err != nil {
					return nil, err
				}

				result := sipResult{
					sipFilename: sipFilename,
					reportPath:  reportPath,
					reportTime:  reportTime,
					status:      status,
				}
				if status == "rejected" {
					result.transferPath = path.Join(sipDir, sipFilename)
				}
				results = append(results, result)
				found++
			}
		}
		reconciler.log.Debug("scanned day folder",
			zap.String("status", status),
			zap.String("day", dayDir),
			zap.Int("found", found))
	}
	return results, nil
}

// combineResults merges the accepted and rejected listings, keeping
// only the newest transfer of each SIP.
func combineResults(resultLists ...[]sipResult) []sipResult {
	var order []string
	newest := make(map[string]sipResult)

	for _, results := range resultLists {
		for _, result := range results {
			current, seen := newest[result.sipFilename]
			if !seen {
				order = append(order, result.sipFilename)
				newest[result.sipFilename] = result
				continue
			}
			if result.reportTime.After(current.reportTime) {
				newest[result.sipFilename] = result
			}
		}
	}

	combined := make([]sipResult, 0, len(order))
	for _, sipFilename := range order {
		combined = append(combined, newest[sipFilename])
	}
	return combined
}

// updateSIP persists the verdict of one processed SIP. The reports, the
// status file and the confirm job are made durable before the terminal
// preserved/rejected flag commits, so a failure part-way leaves the
// package unconfirmed and the next run retries it from the start.
// Returns false when no unconfirmed package matches the SIP filename.
func (reconciler *Reconciler) updateSIP(ctx context.Context, result sipResult) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	pkg, err := reconciler.db.UnconfirmedPackageBySIPFilename(ctx, result.sipFilename)
	if err != nil {
		return false, err
	}
	if pkg == nil {
		return false, nil
	}

	objectID := pkg.MuseumObjectID
	logDir := pas.LogDir(reconciler.packageDir, objectID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return false, Error.Wrap(err)
	}

	// The HTML report lives next to the XML one with the same name.
	htmlRemotePath := strings.TrimSuffix(result.reportPath, ".xml") + ".html"
	err = reconciler.fetchReport(result.reportPath, logDir, "ingest-report.xml")
	if err != nil {
		return false, err
	}
	err = reconciler.fetchReport(htmlRemotePath, logDir, "ingest-report.html")
	if err != nil {
		return false, err
	}

	// Rejected transfers are deleted so the preservation service does
	// not keep storing them.
	if result.status == "rejected" && result.transferPath != "" {
		if err := reconciler.rmtree(result.transferPath); err != nil {
			return false, err
		}
	}

	statusPath := pas.StatusFile(reconciler.packageDir, objectID, result.sipFilename)
	if err := os.WriteFile(statusPath, []byte(result.status), 0o644); err != nil {
		return false, Error.Wrap(err)
	}

	err = reconciler.queues.Enqueue(ctx, queue.ConfirmSIP, objectID, pkg.SIPID)
	if err != nil {
		return false, err
	}

	claimed, err := reconciler.db.ClaimProcessedPackage(ctx, result.sipFilename, result.status == "accepted")
	if err != nil {
		return false, err
	}
	if claimed == nil {
		// A concurrent run confirmed the package in the meantime.
		return false, nil
	}

	reconciler.log.Info("processed SIP reconciled",
		zap.String("sip_filename", result.sipFilename),
		zap.String("status", result.status),
		zap.Int64("object_id", objectID))
	return true, nil
}

// fetchReport downloads a report with a temporary name and renames it
// into place, so a partially downloaded report is never mistaken for a
// complete one.
func (reconciler *Reconciler) fetchReport(remotePath, logDir, name string) error {
	tempPath := path.Join(logDir, name+".download")
	finalPath := path.Join(logDir, name)

	if err := reconciler.client.Download(remotePath, tempPath); err != nil {
		return err
	}
	return Error.Wrap(os.Rename(tempPath, finalPath))
}

// rmtree recursively deletes a remote directory. Entries are removed as
// files first; only entries that refuse are recursed into as
// directories.
func (reconciler *Reconciler) rmtree(dir string) error {
	entries, err := reconciler.client.ListDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := path.Join(dir, entry)
		if err := reconciler.client.Remove(entryPath); err != nil {
			if err := reconciler.rmtree(entryPath); err != nil {
				return err
			}
		}
	}
	return reconciler.client.RemoveDirectory(dir)
}
