package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"procgate/pkg/models"
	"procgate/pkg/stream"
	"procgate/pkg/submission"

	"github.com/google/uuid"
)

// Backoff ladder bounds for failed attempts.
const (
	baseRetryDelay = 5 * time.Minute
	maxRetryDelay  = 40 * time.Minute

	// DefaultStaleAfter is how old the last clean sync may be before an
	// application is considered due again.
	DefaultStaleAfter = time.Hour

	defaultParallelism = 4
)

// Stores is the write side of the submission store: each fetched package
// goes through the same transactional entry point the push API uses, so
// version resolution and duplicate detection apply identically.
type Stores interface {
	Store(ctx context.Context, pkg models.SubmissionPackage) (models.Submission, error)
}

// Source supplies the upstream packages for one application.
type Source interface {
	Fetch(ctx context.Context, applicationID int64) ([]models.SubmissionPackage, error)
}

// Publisher mirrors the state bus producer.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Options tune one sync run.
type Options struct {
	Force        bool
	OperatorID   string
	OperatorName string
	Remark       string
}

// BatchResult summarizes one batch run across applications.
type BatchResult struct {
	BatchID   string              `json:"batch_id"`
	Status    string              `json:"status"`
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Partial   int                 `json:"partial"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Records   []models.SyncRecord `json:"records"`
}

// Orchestrator drives synchronization attempts and owns the sync record
// table. Each attempt fetches the application's packages from the source
// and stores them locally; failures are isolated per application, so one
// failing application never aborts the rest of a batch.
type Orchestrator struct {
	DB          DB
	Store       Stores
	Source      Source
	Events      *stream.Hub
	Bus         Publisher
	Parallelism int
	StaleAfter  time.Duration
	Now         func() time.Time
}

func New(db DB, store Stores, source Source) *Orchestrator {
	return &Orchestrator{
		DB:          db,
		Store:       store,
		Source:      source,
		Parallelism: defaultParallelism,
		StaleAfter:  DefaultStaleAfter,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// SourceHash fingerprints a fetched payload so an application whose
// upstream content did not change since its last clean sync can be skipped
// without re-storing every package.
func SourceHash(pkgs []models.SubmissionPackage) string {
	if len(pkgs) == 0 {
		return ""
	}
	raw, err := json.Marshal(pkgs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// RetryDelay returns the backoff for a given number of prior failures:
// 5, 10, 20, 40 minutes, capped there.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := baseRetryDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// NewSyncID mints a unique public identifier for one attempt.
func (o *Orchestrator) NewSyncID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("SYNC_%d_%s", o.now().UnixMilli(), raw[:8])
}

// NeedsSync reports whether an application is due: forced, never cleanly
// synced, or its last clean sync is older than the staleness horizon.
func (o *Orchestrator) NeedsSync(ctx context.Context, applicationID int64, force bool) (bool, error) {
	if force {
		return true, nil
	}
	last, err := o.lastSuccess(ctx, applicationID)
	if err != nil {
		if err == ErrRecordNotFound {
			return true, nil
		}
		return false, err
	}
	if last.EndTime == nil {
		return true, nil
	}
	stale := o.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return o.now().Sub(*last.EndTime) > stale, nil
}

// SyncOne runs one attempt for a single application.
func (o *Orchestrator) SyncOne(ctx context.Context, applicationID int64, opts Options) (models.SyncRecord, error) {
	return o.syncApplication(ctx, applicationID, models.SyncTypeManual, opts, nil)
}

// SyncBatch runs attempts for many applications with bounded parallelism.
// Packages already stored earlier in the same batch, identified by their
// full identity tuple, are not attempted twice.
func (o *Orchestrator) SyncBatch(ctx context.Context, applicationIDs []int64, opts Options) (BatchResult, error) {
	res := BatchResult{BatchID: o.NewSyncID()}

	seenApps := make(map[int64]struct{}, len(applicationIDs))
	var apps []int64
	for _, id := range applicationIDs {
		if _, dup := seenApps[id]; dup || id <= 0 {
			continue
		}
		seenApps[id] = struct{}{}
		apps = append(apps, id)
	}
	res.Total = len(apps)
	if len(apps) == 0 {
		res.Status = models.SyncStatusSuccess
		return res, nil
	}

	parallelism := o.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	if parallelism > len(apps) {
		parallelism = len(apps)
	}

	claimed := newClaimedSet()
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, parallelism)
	)
	for _, appID := range apps {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(appID int64) {
			defer wg.Done()
			defer func() { <-sem }()
			rec, err := o.syncApplication(ctx, appID, models.SyncTypeBatch, opts, claimed)
			mu.Lock()
			defer mu.Unlock()
			res.Records = append(res.Records, rec)
			switch {
			case err != nil || rec.SyncStatus == models.SyncStatusFailed:
				res.Failed++
			case rec.SyncStatus == models.SyncStatusPartialSuccess:
				res.Partial++
			case rec.SyncStatus == models.SyncStatusSkipped:
				res.Skipped++
			default:
				res.Succeeded++
			}
		}(appID)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		res.Failed += res.Total - len(res.Records)
	}

	switch {
	case res.Failed == 0 && res.Partial == 0:
		res.Status = models.SyncStatusSuccess
	case res.Succeeded == 0 && res.Partial == 0 && res.Skipped == 0:
		res.Status = models.SyncStatusFailed
	default:
		res.Status = models.SyncStatusPartialSuccess
	}
	return res, ctx.Err()
}

// RetryFailed re-runs failed records whose backoff window has elapsed and
// returns how many were attempted. The retry counter on a record only ever
// grows; a later success keeps the accumulated count.
func (o *Orchestrator) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}
	due, err := o.dueFailed(ctx, o.now(), limit)
	if err != nil {
		return 0, err
	}
	attempted := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		if err := o.retryRecord(ctx, rec); err != nil {
			return attempted, err
		}
		attempted++
	}
	return attempted, nil
}

func (o *Orchestrator) retryRecord(ctx context.Context, rec models.SyncRecord) error {
	now := o.now()
	rec.SyncType = models.SyncTypeRetry
	rec.SyncStatus = models.SyncStatusPending
	rec.StartTime = now
	rec.EndTime = nil
	rec.RetryCount++
	rec.ErrorCode, rec.ErrorMessage = "", ""
	rec.SyncCount, rec.SuccessCount, rec.FailedCount = 0, 0, 0

	// A retry always re-attempts the store regardless of the source hash.
	outcome := o.storeApplication(ctx, &rec, Options{Force: true}, nil)
	o.finishRecord(ctx, &rec, outcome)
	return o.completeRecord(ctx, rec)
}

func (o *Orchestrator) syncApplication(ctx context.Context, applicationID int64, syncType string, opts Options, claimed *claimedSet) (models.SyncRecord, error) {
	now := o.now()
	rec := models.SyncRecord{
		SyncID:        o.NewSyncID(),
		ApplicationID: applicationID,
		SyncType:      syncType,
		SyncStatus:    models.SyncStatusPending,
		StartTime:     now,
		OperatorID:    opts.OperatorID,
		OperatorName:  opts.OperatorName,
		Remark:        opts.Remark,
	}

	needed, err := o.NeedsSync(ctx, applicationID, opts.Force)
	if err != nil {
		return rec, err
	}
	if !needed {
		rec.SyncStatus = models.SyncStatusSkipped
		end := o.now()
		rec.EndTime = &end
		if err := o.insertRecord(ctx, &rec); err != nil {
			return rec, err
		}
		return rec, nil
	}

	if err := o.insertRecord(ctx, &rec); err != nil {
		return rec, err
	}

	outcome := o.storeApplication(ctx, &rec, opts, claimed)
	o.finishRecord(ctx, &rec, outcome)
	if err := o.completeRecord(ctx, rec); err != nil {
		return rec, err
	}
	o.announce(ctx, rec)
	return rec, nil
}

type storeOutcome struct {
	firstErr  error
	unchanged bool
}

// storeApplication fetches the application's packages from the source and
// stores each one through the submission store, classifying every item as
// new, updated, unchanged, or failed. Item failures are isolated.
func (o *Orchestrator) storeApplication(ctx context.Context, rec *models.SyncRecord, opts Options, claimed *claimedSet) storeOutcome {
	if o.Source == nil {
		return storeOutcome{firstErr: errors.New("no sync source configured")}
	}
	pkgs, err := o.Source.Fetch(ctx, rec.ApplicationID)
	if err != nil {
		return storeOutcome{firstErr: err}
	}
	rec.SourceHash = SourceHash(pkgs)
	if !opts.Force && rec.SourceHash != "" {
		if last, err := o.lastSuccess(ctx, rec.ApplicationID); err == nil && last.SourceHash == rec.SourceHash {
			return storeOutcome{unchanged: true}
		}
	}
	var out storeOutcome
	for _, pkg := range pkgs {
		if ctx.Err() != nil {
			if out.firstErr == nil {
				out.firstErr = ctx.Err()
			}
			break
		}
		identity := pkg.Identity()
		if claimed != nil && !claimed.claim(identity) {
			continue
		}
		rec.SyncCount++
		item := models.SyncItemResult{SubmissionID: pkg.SubmissionID}
		sub, err := o.Store.Store(ctx, pkg)
		switch {
		case err == nil:
			item.SubmissionVersion = sub.SubmissionVersion
			if sub.SubmissionVersion <= 1 {
				item.Outcome = models.SyncOutcomeNew
			} else {
				item.Outcome = models.SyncOutcomeUpdated
			}
			rec.SuccessCount++
		case errors.Is(err, submission.ErrDuplicate):
			// The identity tuple is already stored; idempotent re-sync.
			item.SubmissionVersion = pkg.SubmissionVersion
			item.Outcome = models.SyncOutcomeUnchanged
			rec.SuccessCount++
		default:
			item.Outcome = models.SyncOutcomeFailed
			item.Error = err.Error()
			rec.FailedCount++
			if out.firstErr == nil {
				out.firstErr = err
			}
			if claimed != nil {
				claimed.release(identity)
			}
		}
		rec.Items = append(rec.Items, item)
	}
	return out
}

func (o *Orchestrator) finishRecord(ctx context.Context, rec *models.SyncRecord, outcome storeOutcome) {
	now := o.now()
	rec.EndTime = &now
	switch {
	case outcome.unchanged:
		rec.SyncStatus = models.SyncStatusSkipped
		rec.NextRetryTime = nil
	case outcome.firstErr == nil && rec.FailedCount == 0:
		rec.SyncStatus = models.SyncStatusSuccess
		rec.NextRetryTime = nil
	case rec.SuccessCount > 0:
		rec.SyncStatus = models.SyncStatusPartialSuccess
		o.scheduleRetry(rec, now, outcome.firstErr)
	default:
		rec.SyncStatus = models.SyncStatusFailed
		o.scheduleRetry(rec, now, outcome.firstErr)
	}
}

func (o *Orchestrator) scheduleRetry(rec *models.SyncRecord, now time.Time, cause error) {
	next := now.Add(RetryDelay(rec.RetryCount))
	rec.NextRetryTime = &next
	rec.ErrorCode = models.CodeStorageError
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	} else {
		rec.ErrorMessage = fmt.Sprintf("%d of %d packages failed to store", rec.FailedCount, rec.SyncCount)
	}
}

// announce fans the finished attempt out to stream subscribers and the bus.
// Both sinks are best effort and never fail the sync itself.
func (o *Orchestrator) announce(ctx context.Context, rec models.SyncRecord) {
	if o.Events != nil {
		o.Events.Publish(stream.NewEvent("sync.completed", rec))
	}
	if o.Bus != nil {
		if payload, err := json.Marshal(rec); err == nil {
			_ = o.Bus.Publish(ctx, rec.SyncID, payload)
		}
	}
}

// claimedSet tracks identity tuples already attempted within one batch.
type claimedSet struct {
	mu   sync.Mutex
	seen map[models.IdentityTuple]struct{}
}

func newClaimedSet() *claimedSet {
	return &claimedSet{seen: make(map[models.IdentityTuple]struct{})}
}

func (p *claimedSet) claim(t models.IdentityTuple) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[t]; dup {
		return false
	}
	p.seen[t] = struct{}{}
	return true
}

func (p *claimedSet) release(t models.IdentityTuple) {
	p.mu.Lock()
	delete(p.seen, t)
	p.mu.Unlock()
}
