package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/filify/internal/domain"
)

type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	history     map[string][]domain.Status
	listCalls   int
	// onGet lets a test move a record between the list and the attempt.
	onGet func(d *domain.Deployment)
}

func newFakeStore(ds ...domain.Deployment) *fakeStore {
	s := &fakeStore{deployments: map[string]*domain.Deployment{}, history: map[string][]domain.Status{}}
	for _, d := range ds {
		d := d
		s.deployments[d.ID] = &d
		s.history[d.ID] = []domain.Status{d.Status}
	}
	return s
}

func (s *fakeStore) ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := []domain.Deployment{}
	for _, d := range s.deployments {
		if filter.Matches(*d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if s.onGet != nil {
		s.onGet(d)
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(id, status, fields)
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, message string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(id, domain.StatusFailed, domain.DeploymentFields{ErrorMessage: message})
}

func (s *fakeStore) applyLocked(id string, status domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if err := domain.ValidateTransition(*d, status, fields); err != nil {
		return nil, err
	}
	d.Status = status
	if fields.ContentAddress != "" {
		d.ContentAddress = fields.ContentAddress
	}
	if fields.NamingTxRef != "" {
		d.NamingTxRef = fields.NamingTxRef
	}
	if fields.ErrorMessage != "" {
		d.ErrorMessage = fields.ErrorMessage
	}
	s.history[id] = append(s.history[id], status)
	cp := *d
	return &cp, nil
}

func (s *fakeStore) set(id string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[id].Status = status
	s.history[id] = append(s.history[id], status)
}

func (s *fakeStore) get(id string) domain.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deployments[id]
}

func (s *fakeStore) walk(id string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.history[id]...)
}

type fakeUploader struct {
	mu      sync.Mutex
	address string
	err     error
	calls   int
	// stall makes Upload wait for ctx like a slow content store.
	stall bool
}

func (u *fakeUploader) Upload(ctx context.Context, ref string) (string, error) {
	u.mu.Lock()
	u.calls++
	stall, address, err := u.stall, u.address, u.err
	u.mu.Unlock()
	if stall {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return address, err
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakePreparer struct {
	mu      sync.Mutex
	payload domain.UpdatePayload
	err     error
	calls   int
	hook    func()
}

func (p *fakePreparer) Prepare(ctx context.Context, id, address string) (domain.UpdatePayload, error) {
	p.mu.Lock()
	p.calls++
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p.payload, p.err
}

func (p *fakePreparer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSigner struct {
	mu         sync.Mutex
	connected  bool
	foreground bool
	chainID    uint64
	txRef      string
	errs       []error
	sent       []domain.UpdatePayload
	block      chan struct{}
	entered    chan struct{}
}

func newFakeSigner(chainID uint64, txRef string) *fakeSigner {
	return &fakeSigner{connected: true, foreground: true, chainID: chainID, txRef: txRef}
}

func (f *fakeSigner) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSigner) Foreground() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground
}

func (f *fakeSigner) ActiveChainID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeSigner) SendTransaction(ctx context.Context, payload domain.UpdatePayload) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	block, entered := f.block, f.entered
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return f.txRef, nil
}

func (f *fakeSigner) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSigner) setChain(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainID = id
}

// fakeConfirmer reports to the fake store the way the record store API does.
type fakeConfirmer struct {
	mu     sync.Mutex
	store  *fakeStore
	errs   []error
	verify bool
	txRefs []string
}

func (c *fakeConfirmer) Confirm(ctx context.Context, id, txRef string) (bool, error) {
	c.mu.Lock()
	c.txRefs = append(c.txRefs, txRef)
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	if _, err := c.store.UpdateStatus(ctx, id, domain.StatusAwaitingConfirmation, domain.DeploymentFields{NamingTxRef: txRef}); err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	if !c.verify {
		return false, nil
	}
	if _, err := c.store.UpdateStatus(ctx, id, domain.StatusSuccess, domain.DeploymentFields{}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fakeConfirmer) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.txRefs...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (r *recordingNotifier) Notify(n domain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) levels() []domain.NoticeLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NoticeLevel, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Level)
	}
	return out
}

type fixture struct {
	store     *fakeStore
	uploader  *fakeUploader
	preparer  *fakePreparer
	signer    *fakeSigner
	confirmer *fakeConfirmer
	notifier  *recordingNotifier
	clock     *time.Time
	orch      *Orchestrator
}

func newFixture(ds ...domain.Deployment) *fixture {
	store := newFakeStore(ds...)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		store:     store,
		uploader:  &fakeUploader{address: "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi123"},
		preparer:  &fakePreparer{payload: domain.UpdatePayload{TargetContract: "0x4976fb03C32e5B8cfe2b6cCB31c09Ba78EBaBa41", CallData: "0x304e6ade", ChainID: 1}},
		signer:    newFakeSigner(1, "0xabc"),
		confirmer: &fakeConfirmer{store: store, verify: true},
		notifier:  &recordingNotifier{},
		clock:     &now,
	}
	f.orch = New(store, f.uploader, f.preparer, f.signer, f.confirmer, Options{
		Interval: time.Second,
		Cooldown: 60 * time.Second,
		Notifier: f.notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// brokenCooldowns fails every call, like an unreachable Redis.
type brokenCooldowns struct{}

var errStoreDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (brokenCooldowns) Start(ctx context.Context, id string, now, until time.Time) error {
	return errStoreDown
}

func (brokenCooldowns) Active(ctx context.Context, id string, now time.Time) (bool, error) {
	return false, errStoreDown
}

func (brokenCooldowns) Clear(ctx context.Context, id string) error { return errStoreDown }

// brokenJournal fails lookups only.
type brokenJournal struct {
	*MemoryTxJournal
}

func (brokenJournal) Lookup(ctx context.Context, id string) (string, error) {
	return "", errStoreDown
}
