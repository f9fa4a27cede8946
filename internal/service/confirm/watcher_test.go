package confirm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/filify/internal/chain"
	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository/memory"
	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/pkg/config"
)

type stubReceipts struct {
	outcome chain.Outcome
}

func (s stubReceipts) Check(context.Context, string) (chain.Outcome, error) {
	return s.outcome, nil
}

func newFixture(t *testing.T, outcome chain.Outcome, cfg config.APIConfig) (*Watcher, *memory.Repository, *time.Time) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	repo := memory.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	svc := deploy.New(repo, nil, stubReceipts{outcome: outcome}, nil, logger)
	w := New(repo, svc, logger, cfg)
	if w == nil {
		t.Fatal("expected watcher")
	}
	w.now = func() time.Time { return now }
	return w, repo, &now
}

func seed(t *testing.T, repo *memory.Repository, d domain.Deployment) {
	t.Helper()
	if err := repo.CreateDeployment(context.Background(), &d); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestWatcherFinalizesConfirmedTransactions(t *testing.T) {
	w, repo, _ := newFixture(t, chain.OutcomeSuccess, config.APIConfig{ConfirmInterval: time.Second})
	seed(t, repo, domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.StatusAwaitingConfirmation, ContentAddress: "bafy", NamingTxRef: "0xabc"})

	w.runIteration(context.Background())

	got, err := repo.GetDeploymentByID(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
}

func TestWatcherExpiresStaleConfirmations(t *testing.T) {
	w, repo, now := newFixture(t, chain.OutcomePending, config.APIConfig{ConfirmInterval: time.Second, ConfirmTTL: 30 * time.Minute})
	seed(t, repo, domain.Deployment{
		ID: "d1", ProjectID: "p1", Status: domain.StatusAwaitingConfirmation,
		ContentAddress: "bafy", NamingTxRef: "0xabc", UpdatedAt: now.Add(-time.Hour),
	})
	seed(t, repo, domain.Deployment{
		ID: "d2", ProjectID: "p2", Status: domain.StatusAwaitingConfirmation,
		ContentAddress: "bafy", NamingTxRef: "0xdef", UpdatedAt: now.Add(-time.Minute),
	})

	w.runIteration(context.Background())

	stale, _ := repo.GetDeploymentByID(context.Background(), "d1")
	if stale.Status != domain.StatusFailed || stale.ErrorMessage == "" {
		t.Fatalf("expected stale confirmation to fail, got %+v", stale)
	}
	fresh, _ := repo.GetDeploymentByID(context.Background(), "d2")
	if fresh.Status != domain.StatusAwaitingConfirmation {
		t.Fatalf("expected fresh confirmation to stay pending, got %s", fresh.Status)
	}
}

func TestWatcherFailsStuckBuilds(t *testing.T) {
	w, repo, now := newFixture(t, chain.OutcomePending, config.APIConfig{ConfirmInterval: time.Second, BuildStageTTL: time.Hour})
	seed(t, repo, domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.StatusBuilding, UpdatedAt: now.Add(-2 * time.Hour)})
	seed(t, repo, domain.Deployment{ID: "d2", ProjectID: "p2", Status: domain.StatusCloning, UpdatedAt: now.Add(-10 * time.Minute)})
	seed(t, repo, domain.Deployment{ID: "d3", ProjectID: "p3", Status: domain.StatusAwaitingSignature, ContentAddress: "bafy", UpdatedAt: now.Add(-5 * time.Hour)})

	w.runIteration(context.Background())

	want := map[string]domain.Status{
		"d1": domain.StatusFailed,
		"d2": domain.StatusCloning,
		"d3": domain.StatusAwaitingSignature,
	}
	for id, status := range want {
		got, err := repo.GetDeploymentByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != status {
			t.Fatalf("%s: expected %s, got %s", id, status, got.Status)
		}
	}
}

func TestNewReturnsNilWithoutDependencies(t *testing.T) {
	if New(nil, nil, nil, config.APIConfig{}) != nil {
		t.Fatal("expected nil watcher")
	}
}
