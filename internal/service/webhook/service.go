package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/service/deploy"
)

var (
	// ErrSignature is returned when a delivery is unsigned or signed with another secret.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrIgnored marks deliveries that do not describe a new commit.
	ErrIgnored = errors.New("webhook event ignored")
)

const zeroCommit = "0000000000000000000000000000000000000000"

// Creator starts deployments.
type Creator interface {
	Create(ctx context.Context, in deploy.CreateInput) (*domain.Deployment, error)
}

// Service validates push webhooks and turns them into deployments.
type Service struct {
	creator Creator
	secret  []byte
	logger  *slog.Logger
}

// New constructs a webhook service. An empty secret rejects every delivery.
func New(creator Creator, secret string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{creator: creator, secret: []byte(strings.TrimSpace(secret)), logger: logger.With("component", "webhook")}
}

// ValidateSignature checks the HMAC-SHA256 of payload. The provided value may
// carry a "sha256=" prefix.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrSignature)
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing signature", ErrSignature)
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrSignature
	}
	return nil
}

type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

// HandlePush verifies a push delivery and creates a webhook-triggered deployment.
func (s Service) HandlePush(ctx context.Context, projectID string, payload []byte, signature string) (*domain.Deployment, error) {
	if err := s.ValidateSignature(payload, signature); err != nil {
		return nil, err
	}
	var event pushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decode push event: %v", deploy.ErrInvalidInput, err)
	}
	commit := strings.TrimSpace(event.After)
	message := ""
	if event.HeadCommit != nil {
		if commit == "" {
			commit = strings.TrimSpace(event.HeadCommit.ID)
		}
		message = strings.TrimSpace(event.HeadCommit.Message)
	}
	if commit == zeroCommit {
		s.logger.Info("ignoring branch deletion", "project_id", projectID, "ref", event.Ref)
		return nil, ErrIgnored
	}
	d, err := s.creator.Create(ctx, deploy.CreateInput{
		ProjectID:     projectID,
		TriggeredBy:   domain.TriggerWebhook,
		CommitRef:     commit,
		CommitMessage: message,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook deployment created", "project_id", projectID, "deployment_id", d.ID, "commit", commit)
	return d, nil
}
