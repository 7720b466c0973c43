// Package worker implements the DR Worker: the per-recorder scheduler that
// owns one durable queue and one optional active executor, gates dispatch
// on pause/activity/remote-lock state, and runs the daily purge and
// failure-digest maintenance. Grounded on
// original_source/smartThreads.py's ManageDR.processQueue, restructured
// into the teacher's internal/daemon/worker.go ruleWorker shape: a struct
// owning a context.CancelFunc and a ticker-driven run loop.
package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"smartcopy/internal/boundedmap"
	"smartcopy/internal/executor"
	"smartcopy/internal/queue"
	"smartcopy/internal/semaphore"
)

// IDGenerator mints fresh command ids, backed in production by the
// reference-id service (internal/refid).
type IDGenerator interface {
	Next() (string, error)
}

// DigestSender delivers the daily failure-digest email, backed in
// production by internal/mail.
type DigestSender interface {
	SendFailureDigest(ctx context.Context, recorder string, entries []queue.FailedEntry) error
}

// Config carries the tunables a DR Worker needs from the service
// configuration.
type Config struct {
	MaxRetry             int
	WaitRetry            time.Duration
	PurgeThresholdBytes  int64
	BwLimitMBs           float64
	ArchivalHost         string
	ArchivalSourcePrefix string
	UnreliableLink       bool
	CycleInterval        time.Duration
	PurgeAnchorHour      int // UTC hour, default 18
	DigestAnchorHour     int // UTC hour, default 22
}

// Deps bundles a DR Worker's shared collaborators.
type Deps struct {
	Store       *queue.Store
	Lock        *semaphore.RemoteLock
	Runner      executor.Runner
	ProbeRunner executor.ProbeRunner
	IDs         IDGenerator
	Digest      DigestSender
}

// Worker is the per-recorder scheduler.
type Worker struct {
	dr   string
	cfg  Config
	deps Deps

	nowFunc func() time.Time

	mu            sync.Mutex
	globalInhibit bool
	busy          bool
	active        *executor.Executor
	activeRowID   int64
	results       *boundedmap.Map[string, string]

	lastPurgeDay  int
	lastDigestDay int

	cancel context.CancelFunc
}

// New returns a Worker for recorder dr, initially inhibited (paused) until
// the Supervisor resumes it, matching §4.6's initialize() contract.
func New(dr string, cfg Config, deps Deps) *Worker {
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.PurgeAnchorHour == 0 && cfg.DigestAnchorHour == 0 {
		cfg.PurgeAnchorHour, cfg.DigestAnchorHour = 18, 22
	}
	return &Worker{
		dr:            dr,
		cfg:           cfg,
		deps:          deps,
		nowFunc:       time.Now,
		globalInhibit: true,
		results:       boundedmap.New[string, string](512),
	}
}

// Run drives the 5-second cooperative cycle until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// Stop cancels the running loop, if any.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// cycle implements one iteration of §4.5: readiness gate, maintenance,
// dispatch.
func (w *Worker) cycle(ctx context.Context) {
	ready := w.readinessGate(ctx)
	w.maintenance(ctx)
	if ready {
		w.dispatch(ctx)
	}
}

// readinessGate applies step 1: pause/busy short-circuit, drain a
// just-finished executor, and report whether a new job may be dispatched
// this cycle.
func (w *Worker) readinessGate(ctx context.Context) bool {
	w.mu.Lock()
	inhibited := w.globalInhibit
	busy := w.busy
	active := w.active
	w.mu.Unlock()

	if active != nil {
		if !active.IsComplete() {
			return false
		}
		w.drain(ctx, active)
	}

	return !inhibited && !busy
}

// drain implements §4.5.2: record the result, apply the archival
// exception, release the remote lock if held, run the retry policy on
// failure, and clear the active slot.
func (w *Worker) drain(ctx context.Context, active *executor.Executor) {
	w.mu.Lock()
	rowID := w.activeRowID
	w.mu.Unlock()

	status := active.Status()
	w.setResult(active.Job.ID, status.String())

	crossHost := active.SourceHost != active.DestHost
	if crossHost {
		w.deps.Lock.Release(w.dr)
	}

	switch {
	case status.IsSuccessful():
		w.recordCompletion(ctx, active)
		if err := w.deps.Store.TaskDone(ctx, rowID); err != nil {
			log.Printf("worker[%s]: task_done after success: %v", w.dr, err)
		}
	case status.IsFailed():
		w.applyRetryPolicy(ctx, active, rowID, status)
	default:
		// Only KindCanceled reaches here (drain is only called when
		// IsComplete() is true, and Idle/Active/Paused never are). A
		// canceled row has no completed/failed record to write, but it
		// must still be removed from 'processing' like every other
		// terminal outcome, or RestorePending resurrects it as pending
		// on the next restart.
		if err := w.deps.Store.TaskDone(ctx, rowID); err != nil {
			log.Printf("worker[%s]: task_done after cancel: %v", w.dr, err)
		}
	}

	w.mu.Lock()
	w.active = nil
	w.activeRowID = 0
	w.mu.Unlock()
}

// recordCompletion implements the archival exception: a Spec-prefixed
// source is recorded completed only when its destination is the
// configured archival host; any other successful transfer is always
// recorded completed.
func (w *Worker) recordCompletion(ctx context.Context, active *executor.Executor) {
	job := active.Job
	isSpec := w.cfg.ArchivalSourcePrefix != "" && strings.Contains(job.SourcePath, w.cfg.ArchivalSourcePrefix)
	isRemote := active.SourceHost != active.DestHost

	eligible := true
	if isSpec {
		eligible = isRemote && active.DestHost == w.cfg.ArchivalHost
	}
	if !eligible {
		return
	}

	size := executor.FileSize(ctx, w.deps.ProbeRunner, active.SourceHost, job.SourcePath)
	job.FileSize = size
	if err := w.deps.Store.AddCompleted(ctx, w.dr, job, w.nowFunc().Unix()); err != nil {
		log.Printf("worker[%s]: add_completed: %v", w.dr, err)
	}
}

// applyRetryPolicy implements §4.5.1.
func (w *Worker) applyRetryPolicy(ctx context.Context, active *executor.Executor, rowID int64, status executor.Status) {
	job := active.Job
	exists := executor.FileExists(ctx, w.deps.ProbeRunner, active.SourceHost, job.SourcePath)

	if !exists || job.Tries >= w.cfg.MaxRetry {
		size := executor.FileSize(ctx, w.deps.ProbeRunner, active.SourceHost, job.SourcePath)
		job.FileSize = size
		if err := w.deps.Store.AddFailed(ctx, w.dr, job, status.ErrMsg, w.nowFunc().Unix()); err != nil {
			log.Printf("worker[%s]: add_failed: %v", w.dr, err)
		}
		if err := w.deps.Store.TaskDone(ctx, rowID); err != nil {
			log.Printf("worker[%s]: task_done after terminal failure: %v", w.dr, err)
		}
		return
	}

	retryJob := job
	retryJob.Tries++
	retryJob.LastTry = float64(w.nowFunc().Unix())
	if err := w.deps.Store.Put(ctx, w.dr, retryJob, w.nowFunc().Unix()); err != nil {
		log.Printf("worker[%s]: put retry: %v", w.dr, err)
	}
	if err := w.deps.Store.TaskDone(ctx, rowID); err != nil {
		log.Printf("worker[%s]: task_done after retry requeue: %v", w.dr, err)
	}
}

// maintenance implements step 2: purge and digest, each anchored once per
// calendar day.
func (w *Worker) maintenance(ctx context.Context) {
	now := w.nowFunc().UTC()
	day := now.YearDay() + now.Year()*1000

	if now.Hour() >= w.cfg.PurgeAnchorHour {
		w.mu.Lock()
		due := w.lastPurgeDay != day
		if due {
			w.lastPurgeDay = day
		}
		w.mu.Unlock()
		if due {
			w.purge(ctx)
		}
	}

	if now.Hour() >= w.cfg.DigestAnchorHour {
		w.mu.Lock()
		due := w.lastDigestDay != day
		if due {
			w.lastDigestDay = day
		}
		w.mu.Unlock()
		if due {
			w.sendDigest(ctx)
		}
	}
}

// purge implements the disk-pressure purge policy: once accumulated
// completed size crosses the configured threshold, attempt to delete
// every completed file; failures are re-recorded as completed for a later
// attempt, matching S5.
func (w *Worker) purge(ctx context.Context) {
	entries, err := w.deps.Store.GetCompleted(ctx, w.dr)
	if err != nil {
		log.Printf("worker[%s]: purge: get_completed: %v", w.dr, err)
		return
	}

	var total int64
	for _, e := range entries {
		total += e.FileSize
	}
	if total < w.cfg.PurgeThresholdBytes {
		return
	}

	w.mu.Lock()
	inhibited := w.globalInhibit
	w.mu.Unlock()

	var retry []queue.Job
	for _, e := range entries {
		if inhibited {
			retry = append(retry, e)
			continue
		}
		argv := []string{"ssh", "-t", "-t", fmt.Sprintf("mcsdr@%s", strings.ToLower(w.dr)), fmt.Sprintf("rm -f %s", e.SourcePath)}
		if _, err := w.deps.ProbeRunner.Run(ctx, argv); err != nil {
			log.Printf("worker[%s]: purge: failed to remove %s: %v", w.dr, e.SourcePath, err)
			retry = append(retry, e)
			continue
		}
		log.Printf("worker[%s]: purge: removed %s (%d bytes)", w.dr, e.SourcePath, e.FileSize)
	}

	if err := w.deps.Store.PurgeCompleted(ctx, w.dr); err != nil {
		log.Printf("worker[%s]: purge: purge_completed: %v", w.dr, err)
		return
	}
	for _, e := range retry {
		if err := w.deps.Store.AddCompleted(ctx, w.dr, e, w.nowFunc().Unix()); err != nil {
			log.Printf("worker[%s]: purge: re-add failed delete: %v", w.dr, err)
		}
	}
}

// sendDigest composes and sends the failure-email digest, then clears the
// failed set so the next digest covers only newly failed jobs.
func (w *Worker) sendDigest(ctx context.Context) {
	entries, err := w.deps.Store.GetFailed(ctx, w.dr)
	if err != nil {
		log.Printf("worker[%s]: digest: get_failed: %v", w.dr, err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if w.deps.Digest == nil {
		return
	}
	if err := w.deps.Digest.SendFailureDigest(ctx, w.dr, entries); err != nil {
		log.Printf("worker[%s]: digest: send: %v", w.dr, err)
		return
	}
	if err := w.deps.Store.PurgeFailed(ctx, w.dr); err != nil {
		log.Printf("worker[%s]: digest: purge_failed: %v", w.dr, err)
	}
}

// dispatch implements step 3: pull the next pending job and either defer
// it (cooldown, lock contention, cancellation) or start its executor.
func (w *Worker) dispatch(ctx context.Context) {
	h, ok, err := w.deps.Store.Get(ctx, w.dr)
	if err != nil {
		log.Printf("worker[%s]: dispatch: get: %v", w.dr, err)
		return
	}
	if !ok {
		return
	}

	if status, seen := w.results.Get(h.Job.ID); seen && status == "canceled" {
		if err := w.deps.Store.TaskDone(ctx, h.RowID); err != nil {
			log.Printf("worker[%s]: dispatch: task_done canceled: %v", w.dr, err)
		}
		return
	}

	now := w.nowFunc()
	if h.Job.Tries > 0 && now.Sub(time.Unix(int64(h.Job.LastTry), 0)) < w.cfg.WaitRetry {
		w.requeueAtTail(ctx, h)
		return
	}

	crossHost := h.Job.SourceHost != h.Job.DestHost
	if crossHost {
		if !w.deps.Lock.TryAcquire(w.dr) {
			w.requeueAtTail(ctx, h)
			return
		}
	}

	unreliable := w.cfg.UnreliableLink
	ex := executor.New(h.Job, h.Job.SourceHost, h.Job.DestHost, w.cfg.BwLimitMBs, unreliable, w.deps.Runner, w.deps.ProbeRunner, now, w.cfg.WaitRetry)

	w.mu.Lock()
	w.active = ex
	w.activeRowID = h.RowID
	w.mu.Unlock()

	w.setResult(h.Job.ID, fmt.Sprintf("active/started for %s:%s -> %s:%s", h.Job.SourceHost, h.Job.SourcePath, h.Job.DestHost, h.Job.DestPath))
}

func (w *Worker) requeueAtTail(ctx context.Context, h queue.Handle) {
	if err := w.deps.Store.TaskDone(ctx, h.RowID); err != nil {
		log.Printf("worker[%s]: requeue: task_done: %v", w.dr, err)
		return
	}
	if err := w.deps.Store.Put(ctx, w.dr, h.Job, w.nowFunc().Unix()); err != nil {
		log.Printf("worker[%s]: requeue: put: %v", w.dr, err)
	}
}

func (w *Worker) setResult(id, status string) {
	w.results.Set(id, status)
}

// SetBusy is the Activity Monitor's callback hook (via the Supervisor):
// it updates the gate the readiness check consults.
func (w *Worker) SetBusy(busy bool) {
	w.mu.Lock()
	w.busy = busy
	w.mu.Unlock()
}

// Pause sets globalInhibit and pauses any in-flight executor.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.globalInhibit = true
	active := w.active
	w.mu.Unlock()

	if active != nil {
		active.Pause()
		w.setResult(active.Job.ID, fmt.Sprintf("paused for %s:%s -> %s:%s", active.SourceHost, active.Job.SourcePath, active.DestHost, active.Job.DestPath))
	}
}

// Resume clears globalInhibit and resumes any in-flight executor.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.globalInhibit = false
	active := w.active
	w.mu.Unlock()

	if active != nil {
		active.Resume()
		w.setResult(active.Job.ID, fmt.Sprintf("active/resumed for %s:%s -> %s:%s", active.SourceHost, active.Job.SourcePath, active.DestHost, active.Job.DestPath))
	}
}

// AddCopyCommand assigns a fresh id, enqueues the job, and returns the id.
func (w *Worker) AddCopyCommand(ctx context.Context, sourceHost, sourcePath, destHost, destPath string) (string, error) {
	id, err := w.deps.IDs.Next()
	if err != nil {
		return "", fmt.Errorf("worker[%s]: add_copy: %w", w.dr, err)
	}
	job := queue.Job{ID: id, SourceHost: sourceHost, SourcePath: sourcePath, DestHost: destHost, DestPath: destPath}
	if err := w.deps.Store.Put(ctx, w.dr, job, w.nowFunc().Unix()); err != nil {
		return "", fmt.Errorf("worker[%s]: add_copy: put: %w", w.dr, err)
	}
	w.setResult(id, fmt.Sprintf("queued for %s:%s -> %s:%s", sourceHost, sourcePath, destHost, destPath))
	return id, nil
}

// AddDeleteCommand assigns a fresh id and enqueues a delete, immediate
// (now=true) or queue-ordered.
func (w *Worker) AddDeleteCommand(ctx context.Context, host, path string, now bool) (string, error) {
	dest := executor.DeleteMarkerQueue
	if now {
		dest = executor.DeleteMarkerNow
	}
	id, err := w.deps.IDs.Next()
	if err != nil {
		return "", fmt.Errorf("worker[%s]: add_delete: %w", w.dr, err)
	}
	job := queue.Job{ID: id, SourceHost: host, SourcePath: path, DestHost: host, DestPath: dest}
	if err := w.deps.Store.Put(ctx, w.dr, job, w.nowFunc().Unix()); err != nil {
		return "", fmt.Errorf("worker[%s]: add_delete: put: %w", w.dr, err)
	}
	w.setResult(id, fmt.Sprintf("queued delete for %s:%s", host, path))
	return id, nil
}

// CancelCopyCommand marks id canceled and, if it is the active job, also
// cancels the running executor.
func (w *Worker) CancelCopyCommand(id string) (string, bool) {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()

	if active != nil && active.Job.ID == id {
		active.Cancel()
	}
	w.setResult(id, "canceled")
	return id, true
}

// GetCopyCommand returns the last known status for id.
func (w *Worker) GetCopyCommand(id string) (string, bool) {
	return w.results.Get(id)
}

// GetQueueSize returns the count of pending plus processing rows.
func (w *Worker) GetQueueSize(ctx context.Context) (int, error) {
	stats, err := w.deps.Store.Stats(ctx, w.dr)
	if err != nil {
		return 0, err
	}
	return stats[queue.StatusPending] + stats[queue.StatusProcessing], nil
}

// GetQueueState reports "active" or "paused".
func (w *Worker) GetQueueState() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.globalInhibit {
		return "paused"
	}
	return "active"
}

// GetActiveID, GetActiveStatus, and the progress accessors are
// constant-time views over the current executor, each returning "None"
// when there is no active job — matching the source's accessor contract.
func (w *Worker) GetActiveID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return "None"
	}
	return w.active.Job.ID
}

func (w *Worker) GetActiveStatus() string {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active == nil {
		return "None"
	}
	if status, ok := w.results.Get(active.Job.ID); ok {
		return status
	}
	return active.Status().String()
}

func (w *Worker) GetActiveBytesTransferred() string {
	return w.withActive(func(e *executor.Executor) string { return e.BytesTransferred() })
}

func (w *Worker) GetActiveProgress() string {
	return w.withActive(func(e *executor.Executor) string { return e.Progress() })
}

func (w *Worker) GetActiveSpeed() string {
	return w.withActive(func(e *executor.Executor) string { return e.Speed() })
}

func (w *Worker) GetActiveTimeRemaining() string {
	return w.withActive(func(e *executor.Executor) string { return e.TimeRemaining() })
}

func (w *Worker) withActive(f func(*executor.Executor) string) string {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active == nil {
		return "None"
	}
	return f(active)
}

// RestorePending implements the restart-recovery contract for this
// worker's queue: it should be called once at startup, before Run.
func (w *Worker) RestorePending(ctx context.Context) ([]queue.Job, error) {
	return w.deps.Store.RestorePending(ctx, w.dr)
}
