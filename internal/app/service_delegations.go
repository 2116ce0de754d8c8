package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

type CreateDelegationInput struct {
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
	Reason     string    `json:"reason"`
}

// CreateDelegation records holiday cover: the delegate votes with the
// delegator's authority while the window is open. Owners may delegate on
// anyone's behalf; an approver may only delegate their own authority.
func (s *Service) CreateDelegation(ctx context.Context, session Session, projectID string, input CreateDelegationInput) (map[string]any, error) {
	fromUserID := strings.TrimSpace(input.FromUserID)
	toUserID := strings.TrimSpace(input.ToUserID)
	if fromUserID == "" || toUserID == "" {
		return nil, validationError("fromUserId and toUserId are required", nil)
	}
	if fromUserID == toUserID {
		return nil, validationError("Cannot delegate approval authority to yourself", nil)
	}
	if input.StartsAt.IsZero() || input.EndsAt.IsZero() {
		return nil, validationError("startsAt and endsAt are required", nil)
	}
	if !input.EndsAt.After(input.StartsAt) {
		return nil, validationError("endsAt must be after startsAt", nil)
	}

	role, err := s.effectiveRole(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionManage) && session.UserID != fromUserID {
		return nil, permissionError("Only owners may delegate on another approver's behalf")
	}

	fromActive, err := s.store.IsActiveApprover(ctx, projectID, fromUserID)
	if err != nil {
		return nil, err
	}
	if !fromActive {
		return nil, validationError("Delegator is not an active approver in this project", nil)
	}

	delegation := store.ApprovalDelegation{
		ID:         util.NewID("dlg"),
		ProjectID:  projectID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		StartsAt:   input.StartsAt,
		EndsAt:     input.EndsAt,
		Reason:     strings.TrimSpace(input.Reason),
	}
	if err := s.store.InsertDelegation(ctx, delegation); err != nil {
		return nil, err
	}

	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID: projectID,
		ActorID:   session.UserID,
		Action:    "delegation.created",
		After: map[string]any{
			"delegationId": delegation.ID,
			"fromUserId":   fromUserID,
			"toUserId":     toUserID,
			"startsAt":     input.StartsAt,
			"endsAt":       input.EndsAt,
		},
	})
	return delegationPayload(delegation), nil
}

func (s *Service) DeleteDelegation(ctx context.Context, session Session, projectID, delegationID string) error {
	delegation, err := s.store.GetDelegation(ctx, delegationID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("Delegation not found")
	}
	if err != nil {
		return err
	}
	if delegation.ProjectID != projectID {
		return notFoundError("Delegation not found in this project")
	}

	role, err := s.effectiveRole(ctx, projectID, session.UserID)
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionManage) && session.UserID != delegation.FromUserID {
		return permissionError("Only owners or the delegator may revoke a delegation")
	}

	deleted, err := s.store.DeleteDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	if !deleted {
		return notFoundError("Delegation not found")
	}

	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID: projectID,
		ActorID:   session.UserID,
		Action:    "delegation.deleted",
		Before: map[string]any{
			"delegationId": delegation.ID,
			"fromUserId":   delegation.FromUserID,
			"toUserId":     delegation.ToUserID,
		},
	})
	return nil
}

func (s *Service) ListDelegations(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.effectiveRole(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	delegations, err := s.store.ListDelegations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(delegations))
	for _, delegation := range delegations {
		payloads = append(payloads, delegationPayload(delegation))
	}
	return payloads, nil
}

func delegationPayload(delegation store.ApprovalDelegation) map[string]any {
	return map[string]any{
		"id":         delegation.ID,
		"projectId":  delegation.ProjectID,
		"fromUserId": delegation.FromUserID,
		"toUserId":   delegation.ToUserID,
		"startsAt":   delegation.StartsAt,
		"endsAt":     delegation.EndsAt,
		"reason":     delegation.Reason,
		"createdAt":  delegation.CreatedAt,
	}
}
