package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

// SyncState represents the current state of the background ingestion.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the state of the most recent ingestion pass.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Emails   int
	Error    error
}

// Ingester runs one ingestion pass. A nil organization keeps every
// message.
type Ingester interface {
	Ingest(ctx context.Context, org *model.OrganizationIdentity) ([]model.InboundEmail, error)
}

// Retainer keeps attachment files referenced by the published snapshot
// safe from garbage collection by other passes.
type Retainer interface {
	Retain(names []string)
}

// ErrNotRunning is returned by Refresh when the poller is stopped.
var ErrNotRunning = errors.New("poller is not running")

// defaultInterval is used when the configured interval is not positive.
const defaultInterval = 120 * time.Second

// Poller keeps an unfiltered snapshot of the mailbox fresh by running
// ingestion passes on an interval or on demand.
type Poller struct {
	ingester     Ingester
	retainer     Retainer
	interval     time.Duration
	fetchTimeout time.Duration
	log          *zap.SugaredLogger

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu       gosync.Mutex
	running  bool
	status   SyncStatus
	snapshot []model.InboundEmail

	// started and finished count passes; passDone is closed and
	// replaced each time a pass finishes. lastErr is the result of the
	// most recently finished pass.
	started  uint64
	finished uint64
	lastErr  error
	passDone chan struct{}
}

// New creates a Poller. retainer may be nil. fetchTimeout bounds a
// single pass; zero means the pass is only bounded by Stop.
func New(
	ingester Ingester,
	retainer Retainer,
	interval, fetchTimeout time.Duration,
	log *zap.SugaredLogger,
) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Poller{
		ingester:     ingester,
		retainer:     retainer,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		log:          log,
		triggerCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		passDone:     make(chan struct{}),
	}
}

// Start launches the polling goroutine. It performs an initial pass
// immediately. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts the polling goroutine and waits for an in-flight pass to
// finish or be cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

// Refresh triggers a pass and waits until a pass that started after
// the call has finished. It returns that pass's error; on failure the
// previous snapshot stays in place.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	want := p.started + 1
	p.mu.Unlock()

	// A trigger already queued starts a pass that satisfies want.
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}

	for {
		p.mu.Lock()
		if p.finished >= want {
			err := p.lastErr
			p.mu.Unlock()
			return err
		}
		passDone := p.passDone
		p.mu.Unlock()

		select {
		case <-passDone:
		case <-p.doneCh:
			return ErrNotRunning
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns the emails of the last successful pass and when it
// completed. ok is false until one pass has succeeded.
func (p *Poller) Snapshot() (emails []model.InboundEmail, lastSync time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status.LastSync.IsZero() {
		return nil, time.Time{}, false
	}
	emails = make([]model.InboundEmail, len(p.snapshot))
	copy(emails, p.snapshot)
	return emails, p.status.LastSync, true
}

// Status returns the current sync status.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fetch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fetch(ctx)
		case <-p.triggerCh:
			p.fetch(ctx)
		}
	}
}

// fetch runs a single pass and replaces the snapshot on success. A
// failed pass keeps the previous snapshot.
func (p *Poller) fetch(ctx context.Context) {
	p.mu.Lock()
	p.started++
	p.status.State = SyncRunning
	p.status.Error = nil
	p.mu.Unlock()

	err := p.pass(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = p.started
	p.lastErr = err
	close(p.passDone)
	p.passDone = make(chan struct{})
}

func (p *Poller) pass(ctx context.Context) error {
	if p.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
	}

	emails, err := p.ingester.Ingest(ctx, nil)
	if err != nil {
		if source.IsAuthError(err) {
			p.log.Errorw("Mailbox authentication failed; check credentials", "error", err)
		} else {
			p.log.Warnw("Background ingestion failed", "error", err)
		}
		p.setStatus(SyncError, err)
		return err
	}

	if p.retainer != nil {
		p.retainer.Retain(storedNames(emails))
	}

	p.mu.Lock()
	p.snapshot = emails
	p.status = SyncStatus{State: SyncIdle, LastSync: time.Now(), Emails: len(emails)}
	p.mu.Unlock()
	return nil
}

func storedNames(emails []model.InboundEmail) []string {
	var names []string
	for _, e := range emails {
		for _, a := range e.Attachments {
			names = append(names, a.StoredFilename)
		}
	}
	return names
}

// setStatus updates the state, keeping the last successful sync time.
func (p *Poller) setStatus(state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
}
