package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

// stepProgress is one ordered step with its tallied approvals.
type stepProgress struct {
	Step     store.ApprovalStep
	Approved int
	Required int
	Complete bool
}

// ensureSteps returns the project's ordered active steps, creating the
// single default requires-all step when none are configured.
func (s *Service) ensureSteps(ctx context.Context, projectID string) ([]store.ApprovalStep, error) {
	steps, err := s.store.ListActiveSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		return steps, nil
	}
	created, err := s.store.InsertApprovalStep(ctx, store.ApprovalStep{
		ID:          util.NewID("step"),
		ProjectID:   projectID,
		StepOrder:   1,
		StepName:    "Approval",
		RequiresAll: true,
	})
	if err != nil {
		return nil, err
	}
	return []store.ApprovalStep{created}, nil
}

func stepRequirement(step store.ApprovalStep, approverCount int) int {
	if step.RequiresAll {
		if approverCount < 1 {
			return 1
		}
		return approverCount
	}
	required := 0
	if step.MinApprovals != nil {
		required = *step.MinApprovals
	}
	if required < 1 {
		required = 1
	}
	return required
}

// evaluateSteps tallies recorded approvals per step. The current gating
// step is the first incomplete one; a nil current step means the
// workflow is final-complete.
func (s *Service) evaluateSteps(ctx context.Context, artifactID string, steps []store.ApprovalStep, approverCount int) ([]stepProgress, *stepProgress, error) {
	progress := make([]stepProgress, 0, len(steps))
	var current *stepProgress
	for _, step := range steps {
		approved, err := s.store.CountStepApprovals(ctx, artifactID, step.ID)
		if err != nil {
			return nil, nil, err
		}
		required := stepRequirement(step, approverCount)
		entry := stepProgress{
			Step:     step,
			Approved: approved,
			Required: required,
			Complete: approved >= required,
		}
		progress = append(progress, entry)
		if current == nil && !entry.Complete {
			current = &progress[len(progress)-1]
		}
	}
	return progress, current, nil
}

// loadSubmittable fetches the artifact and verifies project scope.
func (s *Service) loadProjectArtifact(ctx context.Context, projectID, artifactID string) (store.Artifact, error) {
	if strings.TrimSpace(artifactID) == "" {
		return store.Artifact{}, validationError("artifactId is required", nil)
	}
	item, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Artifact{}, notFoundError("Artifact not found")
	}
	if err != nil {
		return store.Artifact{}, err
	}
	if item.ProjectID != projectID {
		return store.Artifact{}, notFoundError("Artifact not found in this project")
	}
	return item, nil
}

// SubmitForApproval moves a draft (or changes_requested) artifact into
// the approval workflow and locks it. Resubmission after
// changes_requested clears every prior decision: the new cycle is a
// full re-vote. Submitting an already-submitted artifact is a no-op.
func (s *Service) SubmitForApproval(ctx context.Context, session Session, projectID, artifactID string) (map[string]any, error) {
	item, err := s.loadProjectArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, err
	}

	role, err := s.effectiveRole(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	isAuthor := item.CreatedBy == session.UserID
	if !isAuthor && !rbac.Can(role, rbac.ActionSubmit) {
		return nil, permissionError("Only the author or an owner/editor may submit for approval")
	}

	if item.ApprovalStatus == store.StatusSubmitted {
		return s.approvalProgressPayload(ctx, item)
	}
	if !item.ApprovalStatus.Editable() {
		return nil, stateError("Cannot submit an artifact in status " + string(item.ApprovalStatus))
	}

	if item.ApprovalStatus == store.StatusChangesRequested {
		if err := s.store.DeleteDecisions(ctx, item.ID); err != nil {
			return nil, err
		}
	}

	if err := s.store.MarkSubmitted(ctx, item.ID, session.UserID); err != nil {
		return nil, err
	}
	if _, err := s.ensureSteps(ctx, projectID); err != nil {
		return nil, err
	}

	if err := s.auditRequired(ctx, store.AuditLogEntry{
		ProjectID:  projectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "artifact.submitted",
		Before:     map[string]any{"approvalStatus": string(item.ApprovalStatus)},
		After:      map[string]any{"approvalStatus": string(store.StatusSubmitted), "isLocked": true},
	}); err != nil {
		return nil, err
	}

	item.ApprovalStatus = store.StatusSubmitted
	item.IsLocked = true
	item.SubmittedBy = session.UserID
	return s.approvalProgressPayload(ctx, item)
}

// requireVoter verifies the caller may record a decision on the
// artifact: active approver, not the author, not the submitter, and the
// artifact is sitting in submitted.
func (s *Service) requireVoter(ctx context.Context, session Session, item store.Artifact) error {
	role, err := s.effectiveRole(ctx, item.ProjectID, session.UserID)
	if err != nil {
		return err
	}
	active, err := s.isActiveApprover(ctx, item.ProjectID, session.UserID, role)
	if err != nil {
		return err
	}
	if !active {
		return permissionError("Only active approvers may record decisions")
	}
	if session.UserID == item.CreatedBy || (item.SubmittedBy != "" && session.UserID == item.SubmittedBy) {
		return permissionError("Approvers cannot decide on their own submissions")
	}
	if item.ApprovalStatus != store.StatusSubmitted {
		return stateError("Artifact is not submitted for approval")
	}
	return nil
}

// Approve records the caller's approval at the current gating step and
// re-evaluates the workflow. When the final step completes the artifact
// transitions to approved and the baseline snapshot is promoted.
func (s *Service) Approve(ctx context.Context, session Session, projectID, artifactID string) (map[string]any, error) {
	item, err := s.loadProjectArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVoter(ctx, session, item); err != nil {
		return nil, err
	}

	steps, err := s.ensureSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	approverCount, err := s.activeApproverCount(ctx, projectID)
	if err != nil {
		return nil, err
	}
	_, current, err := s.evaluateSteps(ctx, item.ID, steps, approverCount)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := s.store.UpsertDecision(ctx, store.ApprovalDecision{
			ArtifactID:     item.ID,
			StepID:         current.Step.ID,
			ApproverUserID: session.UserID,
			Decision:       store.DecisionApproved,
		}); err != nil {
			return nil, err
		}
		if err := s.auditRequired(ctx, store.AuditLogEntry{
			ProjectID:  projectID,
			ArtifactID: item.ID,
			ActorID:    session.UserID,
			Action:     "artifact.approval_recorded",
			After:      map[string]any{"stepId": current.Step.ID, "stepName": current.Step.StepName},
		}); err != nil {
			return nil, err
		}
	}

	_, current, err = s.evaluateSteps(ctx, item.ID, steps, approverCount)
	if err != nil {
		return nil, err
	}
	if current != nil {
		// More steps (or more votes on this step) still pending.
		return s.approvalProgressPayload(ctx, item)
	}

	if err := s.store.MarkApproved(ctx, item.ID, session.UserID); err != nil {
		return nil, err
	}
	snapshot, err := s.store.PromoteBaseline(ctx, item.ID, util.NewID("art"))
	if err != nil {
		return nil, err
	}
	if err := s.auditRequired(ctx, store.AuditLogEntry{
		ProjectID:  projectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "artifact.approved",
		Before:     map[string]any{"approvalStatus": string(store.StatusSubmitted)},
		After: map[string]any{
			"approvalStatus":  string(store.StatusApproved),
			"baselineId":      snapshot.ID,
			"baselineVersion": snapshot.Version,
		},
	}); err != nil {
		return nil, err
	}

	s.archiveBaseline(ctx, snapshot)
	s.indexArtifact(snapshot)
	s.deindexArtifact(item.ID)

	payload := artifactPayload(snapshot)
	payload["approvedArtifactId"] = item.ID
	return payload, nil
}

// RequestChanges returns the artifact to its author for rework: a
// rejected decision is recorded at the current step and the artifact is
// unlocked in changes_requested.
func (s *Service) RequestChanges(ctx context.Context, session Session, projectID, artifactID, reason string) (map[string]any, error) {
	return s.declineSubmission(ctx, session, projectID, artifactID, reason, false)
}

// RejectFinal terminates the submission cycle with a hard rejection.
func (s *Service) RejectFinal(ctx context.Context, session Session, projectID, artifactID, reason string) (map[string]any, error) {
	return s.declineSubmission(ctx, session, projectID, artifactID, reason, true)
}

func (s *Service) declineSubmission(ctx context.Context, session Session, projectID, artifactID, reason string, final bool) (map[string]any, error) {
	item, err := s.loadProjectArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVoter(ctx, session, item); err != nil {
		return nil, err
	}

	steps, err := s.ensureSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	approverCount, err := s.activeApproverCount(ctx, projectID)
	if err != nil {
		return nil, err
	}
	_, current, err := s.evaluateSteps(ctx, item.ID, steps, approverCount)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := s.store.UpsertDecision(ctx, store.ApprovalDecision{
			ArtifactID:     item.ID,
			StepID:         current.Step.ID,
			ApproverUserID: session.UserID,
			Decision:       store.DecisionRejected,
			Reason:         strings.TrimSpace(reason),
		}); err != nil {
			return nil, err
		}
	}

	action := "artifact.changes_requested"
	status := store.StatusChangesRequested
	if final {
		action = "artifact.rejected"
		status = store.StatusRejected
		err = s.store.MarkRejected(ctx, item.ID, session.UserID, strings.TrimSpace(reason))
	} else {
		err = s.store.MarkChangesRequested(ctx, item.ID, session.UserID, strings.TrimSpace(reason))
	}
	if err != nil {
		return nil, err
	}

	if err := s.auditRequired(ctx, store.AuditLogEntry{
		ProjectID:  projectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     action,
		Before:     map[string]any{"approvalStatus": string(store.StatusSubmitted)},
		After:      map[string]any{"approvalStatus": string(status), "reason": strings.TrimSpace(reason)},
	}); err != nil {
		return nil, err
	}

	item.ApprovalStatus = status
	item.IsLocked = false
	item.RejectedBy = session.UserID
	item.RejectedReason = strings.TrimSpace(reason)
	return artifactPayload(item), nil
}

// ApprovalProgress reports the ordered steps, their tallies and the
// current gating step for an artifact.
func (s *Service) ApprovalProgress(ctx context.Context, session Session, projectID, artifactID string) (map[string]any, error) {
	item, err := s.loadProjectArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, err
	}
	if _, err := s.effectiveRole(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	return s.approvalProgressPayload(ctx, item)
}

func (s *Service) approvalProgressPayload(ctx context.Context, item store.Artifact) (map[string]any, error) {
	steps, err := s.store.ListActiveSteps(ctx, item.ProjectID)
	if err != nil {
		return nil, err
	}
	approverCount, err := s.activeApproverCount(ctx, item.ProjectID)
	if err != nil {
		return nil, err
	}
	progress, current, err := s.evaluateSteps(ctx, item.ID, steps, approverCount)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListDecisions(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	stepPayloads := make([]map[string]any, 0, len(progress))
	for _, entry := range progress {
		stepPayloads = append(stepPayloads, map[string]any{
			"stepId":      entry.Step.ID,
			"stepOrder":   entry.Step.StepOrder,
			"stepName":    entry.Step.StepName,
			"requiresAll": entry.Step.RequiresAll,
			"approved":    entry.Approved,
			"required":    entry.Required,
			"complete":    entry.Complete,
		})
	}
	decisionPayloads := make([]map[string]any, 0, len(decisions))
	for _, decision := range decisions {
		decisionPayloads = append(decisionPayloads, map[string]any{
			"stepId":    decision.StepID,
			"approver":  decision.ApproverUserID,
			"decision":  string(decision.Decision),
			"reason":    decision.Reason,
			"decidedAt": decision.DecidedAt,
		})
	}

	payload := map[string]any{
		"artifact":  artifactPayload(item),
		"steps":     stepPayloads,
		"decisions": decisionPayloads,
		"complete":  current == nil && len(progress) > 0,
	}
	if current != nil {
		payload["currentStepId"] = current.Step.ID
	}
	return payload, nil
}
