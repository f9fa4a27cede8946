package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/filify/internal/domain"
)

const (
	defaultInterval     = 5 * time.Second
	defaultCooldown     = 60 * time.Second
	defaultStageTimeout = 2 * time.Minute
	defaultSignTimeout  = 5 * time.Minute
	defaultLimit        = 25
)

var (
	// ErrInFlight is returned by Retry while the deployment is already being processed.
	ErrInFlight = errors.New("deployment is already being finalized")
	// ErrNotProcessable is returned by Retry for deployments outside the finalization stages.
	ErrNotProcessable = errors.New("deployment is not awaiting finalization")
	// ErrNoSigner is returned by Retry while no wallet session is connected.
	ErrNoSigner = errors.New("no signer connected")
)

// RecordStore is the deployment record API the orchestrator drives.
type RecordStore interface {
	ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error)
	MarkFailed(ctx context.Context, id, message string) (*domain.Deployment, error)
}

// Uploader pushes build output to the content store and returns its address.
type Uploader interface {
	Upload(ctx context.Context, artifactRef string) (string, error)
}

// Preparer builds the unsigned naming update for a content address.
type Preparer interface {
	Prepare(ctx context.Context, deploymentID, contentAddress string) (domain.UpdatePayload, error)
}

// Signer is the user's wallet session. It handles one request at a time.
type Signer interface {
	Connected() bool
	Foreground() bool
	ActiveChainID(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, payload domain.UpdatePayload) (string, error)
}

// Confirmer reports a broadcast transaction to the record store.
type Confirmer interface {
	Confirm(ctx context.Context, deploymentID, txRef string) (bool, error)
}

// Notifier receives user-facing notices.
type Notifier interface {
	Notify(notice domain.Notice)
}

// TickResult describes what a polling tick did.
type TickResult string

const (
	TickRan        TickResult = "ran"
	TickBusy       TickResult = "busy"
	TickNoSigner   TickResult = "no_signer"
	TickBackground TickResult = "background"
	TickListFailed TickResult = "list_failed"
)

// Options tunes an Orchestrator. Zero values select defaults.
type Options struct {
	Interval     time.Duration
	Cooldown     time.Duration
	StageTimeout time.Duration
	SignTimeout  time.Duration
	Limit        int
	Classifier   Classifier
	Cooldowns    CooldownStore
	Journal      TxJournal
	Notifier     Notifier
	Metrics      *Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Orchestrator finds deployments waiting on upload or signature and drives
// them through upload, prepare, chain check, sign and confirm.
type Orchestrator struct {
	store     RecordStore
	uploader  Uploader
	preparer  Preparer
	signer    Signer
	confirmer Confirmer

	classifier Classifier
	cooldowns  CooldownStore
	journal    TxJournal
	notifier   Notifier
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	interval     time.Duration
	cooldown     time.Duration
	stageTimeout time.Duration
	signTimeout  time.Duration
	limit        int

	tick sync.Mutex

	mu        sync.Mutex
	inFlight  map[string]struct{}
	pendingTx map[string]string
	held      map[string]uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// New constructs an Orchestrator.
func New(store RecordStore, uploader Uploader, preparer Preparer, signer Signer, confirmer Confirmer, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		uploader:     uploader,
		preparer:     preparer,
		signer:       signer,
		confirmer:    confirmer,
		classifier:   opts.Classifier,
		cooldowns:    opts.Cooldowns,
		journal:      opts.Journal,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		interval:     opts.Interval,
		cooldown:     opts.Cooldown,
		stageTimeout: opts.StageTimeout,
		signTimeout:  opts.SignTimeout,
		limit:        opts.Limit,
		inFlight:     make(map[string]struct{}),
		pendingTx:    make(map[string]string),
		held:         make(map[string]uint64),
		wake:         make(chan struct{}, 1),
	}
	if o.classifier == nil {
		o.classifier = DefaultClassifier{}
	}
	if o.cooldowns == nil {
		o.cooldowns = NewMemoryCooldowns()
	}
	if o.journal == nil {
		o.journal = NewMemoryTxJournal()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "finalizer")
	if o.now == nil {
		o.now = time.Now
	}
	if o.interval <= 0 {
		o.interval = defaultInterval
	}
	if o.cooldown <= 0 {
		o.cooldown = defaultCooldown
	}
	if o.stageTimeout <= 0 {
		o.stageTimeout = defaultStageTimeout
	}
	if o.signTimeout <= 0 {
		o.signTimeout = defaultSignTimeout
	}
	if o.limit <= 0 {
		o.limit = defaultLimit
	}
	return o
}

// Run polls on the configured interval until ctx is cancelled. Nudge triggers
// an extra tick.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("finalizer started", "interval", o.interval)
	o.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("finalizer stopped")
			return
		case <-ticker.C:
			o.Poll(ctx)
		case <-o.wake:
			o.Poll(ctx)
		}
	}
}

// Start runs the polling loop in the background. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		o.Run(runCtx)
	}(o.done)
}

// Stop halts the background loop and waits for the current tick to finish.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Nudge asks the running loop for an immediate tick. Pending nudges coalesce.
func (o *Orchestrator) Nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Poll runs one tick. A tick that overlaps a running one is skipped, as is a
// tick without a connected, foregrounded signer. Stage errors are handled per
// deployment and never returned.
func (o *Orchestrator) Poll(ctx context.Context) TickResult {
	if !o.tick.TryLock() {
		o.metrics.tick(TickBusy)
		return TickBusy
	}
	defer o.tick.Unlock()

	result := o.poll(ctx)
	o.metrics.tick(result)
	return result
}

func (o *Orchestrator) poll(ctx context.Context) TickResult {
	if o.signer == nil || !o.signer.Connected() {
		return TickNoSigner
	}
	if !o.signer.Foreground() {
		return TickBackground
	}

	candidates, err := o.candidates(ctx)
	if err != nil {
		o.logger.Warn("failed to list deployments", "error", err)
		return TickListFailed
	}
	activeChain, chainKnown := o.activeChainForHolds(ctx)
	for _, d := range candidates {
		if ctx.Err() != nil {
			break
		}
		if o.skip(ctx, d.ID, activeChain, chainKnown) {
			continue
		}
		if !o.acquire(d.ID) {
			continue
		}
		o.process(ctx, d.ID)
		o.release(d.ID)
	}
	return TickRan
}

// Retry clears the cooldown and any chain hold for id and runs the pipeline now.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if err := o.cooldowns.Clear(ctx, id); err != nil {
		o.logger.Warn("failed to clear cooldown", "deployment_id", id, "error", err)
	}
	o.mu.Lock()
	delete(o.held, id)
	o.mu.Unlock()

	if o.signer == nil || !o.signer.Connected() {
		return ErrNoSigner
	}
	if !o.acquire(id) {
		return ErrInFlight
	}
	defer o.release(id)
	if !o.process(ctx, id) {
		return ErrNotProcessable
	}
	return nil
}

// InFlight reports whether id is currently being processed.
func (o *Orchestrator) InFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[id]
	return ok
}

func (o *Orchestrator) candidates(ctx context.Context) ([]domain.Deployment, error) {
	listed, err := o.store.ListDeployments(ctx, domain.DeploymentFilter{
		Statuses: []domain.Status{domain.StatusPendingUpload, domain.StatusUploading, domain.StatusAwaitingSignature},
		Limit:    o.limit,
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(listed))
	out := make([]domain.Deployment, 0, len(listed))
	for _, d := range listed {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		if d.Status == domain.StatusUploading && d.ContentAddress != "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (o *Orchestrator) activeChainForHolds(ctx context.Context) (uint64, bool) {
	o.mu.Lock()
	holds := len(o.held)
	o.mu.Unlock()
	if holds == 0 {
		return 0, false
	}
	chainID, err := o.signer.ActiveChainID(ctx)
	if err != nil {
		return 0, false
	}
	return chainID, true
}

func (o *Orchestrator) skip(ctx context.Context, id string, activeChain uint64, chainKnown bool) bool {
	o.mu.Lock()
	_, busy := o.inFlight[id]
	heldOn, held := o.held[id]
	if held && chainKnown && heldOn != activeChain {
		delete(o.held, id)
		held = false
	}
	o.mu.Unlock()
	if busy || held {
		return true
	}
	cooling, err := o.cooldowns.Active(ctx, id, o.now())
	if err != nil {
		// An unreachable cooldown store must not stall finalization. The
		// in-flight set still keeps attempts single.
		o.metrics.storeError("cooldown_lookup")
		o.logger.Warn("cooldown lookup failed, processing anyway", "deployment_id", id, "error", err)
		return false
	}
	return cooling
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = struct{}{}
	o.metrics.enter()
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
	o.metrics.leave()
}

// rememberTx keeps txRef in process and in the journal. The in-process copy
// covers a journal outage until the finalizer restarts.
func (o *Orchestrator) rememberTx(ctx context.Context, id, txRef string) {
	o.mu.Lock()
	o.pendingTx[id] = txRef
	o.mu.Unlock()
	if err := o.journal.Remember(ctx, id, txRef); err != nil {
		o.metrics.storeError("journal_write")
		o.logger.Warn("failed to journal transaction", "deployment_id", id, "tx", txRef, "error", err)
	}
}

func (o *Orchestrator) pendingTxFor(ctx context.Context, id string) (string, error) {
	o.mu.Lock()
	txRef, ok := o.pendingTx[id]
	o.mu.Unlock()
	if ok {
		return txRef, nil
	}
	txRef, err := o.journal.Lookup(ctx, id)
	if err != nil || txRef == "" {
		return "", err
	}
	o.mu.Lock()
	o.pendingTx[id] = txRef
	o.mu.Unlock()
	return txRef, nil
}

func (o *Orchestrator) forget(ctx context.Context, id string) {
	o.mu.Lock()
	delete(o.pendingTx, id)
	delete(o.held, id)
	o.mu.Unlock()
	if err := o.journal.Forget(ctx, id); err != nil {
		o.metrics.storeError("journal_delete")
		o.logger.Warn("failed to drop journaled transaction", "deployment_id", id, "error", err)
	}
}

func (o *Orchestrator) hold(id string, chainID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held[id] = chainID
}

func (o *Orchestrator) notify(id string, level domain.NoticeLevel, format string, args ...any) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(domain.Notice{
		DeploymentID: id,
		Level:        level,
		Message:      fmt.Sprintf(format, args...),
		At:           o.now().UTC(),
	})
}
