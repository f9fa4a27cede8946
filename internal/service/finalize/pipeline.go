package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/filify/internal/domain"
)

var (
	errMissingArtifact = errors.New("no build output to upload")
	errEmptyAddress    = errors.New("upload returned an empty content address")
	errInvalidPayload  = errors.New("invalid naming update payload")
)

// attempt is the state carried between stages of one pipeline run.
type attempt struct {
	deployment domain.Deployment
	payload    domain.UpdatePayload
	txRef      string
	done       bool
}

type step struct {
	stage Stage
	fn    func(ctx context.Context, a *attempt) error
}

// process runs the pipeline for id. It reports false when the deployment is
// not in a finalization stage, in which case nothing is called.
func (o *Orchestrator) process(ctx context.Context, id string) bool {
	current, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		o.logger.Warn("failed to load deployment", "deployment_id", id, "error", err)
		return false
	}
	if !processable(*current) {
		o.forget(ctx, id)
		return false
	}

	txRef, err := o.pendingTxFor(ctx, id)
	if err != nil {
		// Signing without knowing about an earlier broadcast could send a
		// second transaction, so wait for the journal.
		o.metrics.storeError("journal_lookup")
		o.logger.Warn("transaction journal unavailable, skipping", "deployment_id", id, "error", err)
		return true
	}
	a := &attempt{deployment: *current, txRef: txRef}
	steps := []step{
		{stage: StageUpload, fn: o.upload},
		{stage: StagePrepare, fn: o.prepare},
		{stage: StageChainCheck, fn: o.checkChain},
		{stage: StageSign, fn: o.sign},
		{stage: StageConfirm, fn: o.confirm},
	}
	for _, s := range steps {
		if err := s.fn(ctx, a); err != nil {
			o.handleFailure(ctx, a, s.stage, err)
			return true
		}
		if a.done {
			return true
		}
	}
	return true
}

func processable(d domain.Deployment) bool {
	switch d.Status {
	case domain.StatusPendingUpload, domain.StatusUploading, domain.StatusAwaitingSignature:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) upload(ctx context.Context, a *attempt) error {
	d := a.deployment
	if d.Status != domain.StatusPendingUpload && d.Status != domain.StatusUploading {
		return nil
	}
	id := d.ID
	if d.Status == domain.StatusPendingUpload {
		updated, err := o.store.UpdateStatus(ctx, id, domain.StatusUploading, domain.DeploymentFields{})
		if err != nil {
			return transient(fmt.Errorf("enter uploading: %w", err))
		}
		a.deployment = *updated
	}

	address := a.deployment.ContentAddress
	if address == "" {
		if strings.TrimSpace(a.deployment.ArtifactRef) == "" {
			return errMissingArtifact
		}
		stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
		var err error
		address, err = o.uploader.Upload(stageCtx, a.deployment.ArtifactRef)
		if err != nil {
			return err
		}
		if strings.TrimSpace(address) == "" {
			return errEmptyAddress
		}
	}

	updated, err := o.store.UpdateStatus(ctx, id, domain.StatusAwaitingSignature, domain.DeploymentFields{ContentAddress: address})
	if err != nil {
		return transient(fmt.Errorf("record content address: %w", err))
	}
	a.deployment = *updated
	a.done = true
	o.metrics.stage(StageUpload, "ok")
	o.logger.Info("deployment uploaded", "deployment_id", id, "content_address", address)
	return nil
}

func (o *Orchestrator) prepare(ctx context.Context, a *attempt) error {
	if a.deployment.Status != domain.StatusAwaitingSignature || a.txRef != "" {
		return nil
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	payload, err := o.preparer.Prepare(stageCtx, a.deployment.ID, a.deployment.ContentAddress)
	if err != nil {
		return err
	}
	if strings.TrimSpace(payload.TargetContract) == "" || strings.TrimSpace(payload.CallData) == "" || payload.ChainID == 0 {
		return fmt.Errorf("%w: %+v", errInvalidPayload, payload)
	}
	a.payload = payload
	o.metrics.stage(StagePrepare, "ok")
	return nil
}

func (o *Orchestrator) checkChain(ctx context.Context, a *attempt) error {
	if a.txRef != "" {
		return nil
	}
	active, err := o.signer.ActiveChainID(ctx)
	if err != nil {
		return transient(fmt.Errorf("read wallet chain: %w", err))
	}
	if active != a.payload.ChainID {
		return &ChainMismatchError{Expected: a.payload.ChainID, Active: active}
	}
	return nil
}

func (o *Orchestrator) sign(ctx context.Context, a *attempt) error {
	if a.txRef != "" {
		return nil
	}
	// Cancellation may have landed while the update was being prepared.
	latest, err := o.store.GetDeployment(ctx, a.deployment.ID)
	if err != nil {
		return transient(fmt.Errorf("reload deployment: %w", err))
	}
	if latest.Status != domain.StatusAwaitingSignature {
		a.done = true
		return nil
	}

	signCtx, cancel := context.WithTimeout(ctx, o.signTimeout)
	defer cancel()
	txRef, err := o.signer.SendTransaction(signCtx, a.payload)
	if err != nil {
		return err
	}
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return errors.New("signer returned an empty transaction reference")
	}
	a.txRef = txRef
	o.rememberTx(ctx, a.deployment.ID, txRef)
	o.metrics.stage(StageSign, "ok")
	o.logger.Info("naming update signed", "deployment_id", a.deployment.ID, "tx", txRef)
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, a *attempt) error {
	if a.txRef == "" {
		return nil
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	verified, err := o.confirmer.Confirm(stageCtx, a.deployment.ID, a.txRef)
	if err != nil {
		return err
	}
	o.forget(ctx, a.deployment.ID)
	o.metrics.stage(StageConfirm, "ok")
	if verified {
		o.logger.Info("deployment finalized", "deployment_id", a.deployment.ID, "tx", a.txRef)
		o.notify(a.deployment.ID, domain.NoticeSuccess, "Deployment is live: %s", a.deployment.ContentAddress)
		return nil
	}
	o.logger.Info("naming update awaiting confirmation", "deployment_id", a.deployment.ID, "tx", a.txRef)
	o.notify(a.deployment.ID, domain.NoticeInfo, "Transaction %s submitted, waiting for confirmation", a.txRef)
	return nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, a *attempt, stage Stage, err error) {
	id := a.deployment.ID
	kind := o.classifier.Classify(stage, err)
	o.metrics.stage(stage, kind.String())

	switch kind {
	case KindRejection:
		now := o.now()
		if cerr := o.cooldowns.Start(ctx, id, now, now.Add(o.cooldown)); cerr != nil {
			o.metrics.storeError("cooldown_write")
			o.logger.Warn("failed to record cooldown", "deployment_id", id, "error", cerr)
		}
		o.logger.Info("signature rejected", "deployment_id", id, "stage", stage, "retry_after", o.cooldown)
		o.notify(id, domain.NoticeInfo, "Signature request was declined. Retrying in %s", o.cooldown)
	case KindConfiguration:
		var mismatch *ChainMismatchError
		if errors.As(err, &mismatch) {
			o.hold(id, mismatch.Active)
		}
		o.logger.Warn("deployment held", "deployment_id", id, "stage", stage, "error", err)
		o.notify(id, domain.NoticeError, "%v. Switch networks to continue", err)
	case KindTerminal:
		message := fmt.Sprintf("%s failed: %v", stage, err)
		if _, ferr := o.store.MarkFailed(ctx, id, message); ferr != nil {
			o.logger.Warn("failed to mark deployment failed", "deployment_id", id, "stage", stage, "error", ferr)
			return
		}
		o.forget(ctx, id)
		o.logger.Error("deployment failed", "deployment_id", id, "stage", stage, "error", err)
		o.notify(id, domain.NoticeError, "Deployment failed during %s: %v", stage, err)
	default:
		o.logger.Warn("stage failed, will retry", "deployment_id", id, "stage", stage, "error", err)
		if stage == StageUpload && a.deployment.Status == domain.StatusUploading {
			if _, uerr := o.store.UpdateStatus(ctx, id, domain.StatusPendingUpload, domain.DeploymentFields{}); uerr != nil {
				o.logger.Warn("failed to requeue upload", "deployment_id", id, "error", uerr)
			}
		}
	}
}
