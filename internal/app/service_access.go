package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"baseline/api/internal/archive"
	"baseline/api/internal/rbac"
	"baseline/api/internal/search"
	"baseline/api/internal/store"
)

// effectiveRole resolves the caller's membership role in a project. A
// missing membership row is a permission failure, not a lookup failure:
// the caller is authenticated but not part of the project.
func (s *Service) effectiveRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", validationError("projectId is required", nil)
	}
	role, err := s.store.GetProjectRole(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, projectErr := s.store.GetProject(ctx, projectID); errors.Is(projectErr, sql.ErrNoRows) {
			return "", notFoundError("Project not found")
		}
		return "", permissionError("Not a member of this project")
	}
	if err != nil {
		return "", err
	}
	return rbac.Normalize(role), nil
}

// isActiveApprover answers whether the user may vote on approvals in the
// project: on the active roster, covered by an active delegation from a
// roster member, or (when configured) holding an owner/editor role.
func (s *Service) isActiveApprover(ctx context.Context, projectID, userID string, role rbac.Role) (bool, error) {
	active, err := s.store.IsActiveApprover(ctx, projectID, userID)
	if err != nil {
		return false, err
	}
	if active {
		return true, nil
	}

	delegated, err := s.store.HasActiveDelegationTo(ctx, projectID, userID, s.now())
	if err != nil {
		return false, err
	}
	if delegated {
		return true, nil
	}

	if s.cfg.ApproversIncludeEditors && (role == rbac.RoleOwner || role == rbac.RoleEditor) {
		return true, nil
	}
	return false, nil
}

// activeApproverCount is the quorum denominator for requires_all steps.
// The roster alone defines it, even when the editors-as-approvers toggle
// widens voting eligibility.
func (s *Service) activeApproverCount(ctx context.Context, projectID string) (int, error) {
	count, err := s.store.CountActiveApprovers(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if count < 1 {
		count = 1
	}
	return count, nil
}

// auditBestEffort records a lifecycle action; a failed write is logged
// and swallowed so a transient audit-table issue never blocks an edit.
func (s *Service) auditBestEffort(ctx context.Context, entry store.AuditLogEntry) {
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		log.Printf("audit: best-effort write failed for %s on %s: %v", entry.Action, entry.ArtifactID, err)
	}
}

// auditRequired records an approval-chain action; failures surface to
// the caller because the approval trail must be complete.
func (s *Service) auditRequired(ctx context.Context, entry store.AuditLogEntry) error {
	return s.store.InsertAuditLog(ctx, entry)
}

func (s *Service) indexArtifact(item store.Artifact) {
	if s.search == nil || !item.IsCurrent {
		return
	}
	s.search.IndexArtifact(search.ArtifactRecord{
		ID:        item.ID,
		ProjectID: item.ProjectID,
		Type:      string(item.Type),
		Title:     item.Title,
		Content:   item.Content,
		Status:    string(item.ApprovalStatus),
		Version:   item.Version,
	})
}

func (s *Service) deindexArtifact(id string) {
	if s.search == nil {
		return
	}
	s.search.DeleteArtifact(id)
}

func (s *Service) archiveBaseline(ctx context.Context, snapshot store.Artifact) {
	if s.archive == nil {
		return
	}
	err := s.archive.StoreBaseline(ctx, archive.Snapshot{
		ArtifactID:  snapshot.ID,
		ProjectID:   snapshot.ProjectID,
		Type:        string(snapshot.Type),
		Title:       snapshot.Title,
		Content:     snapshot.Content,
		ContentJSON: rawJSON(snapshot.ContentJSON),
		Version:     snapshot.Version,
		ApprovedBy:  snapshot.ApprovedBy,
	})
	if err != nil {
		log.Printf("archive: baseline snapshot for %s failed: %v", snapshot.ID, err)
	}
}

func rawJSON(value string) []byte {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return []byte(value)
}

func trimOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func artifactPayload(item store.Artifact) map[string]any {
	payload := map[string]any{
		"id":             item.ID,
		"projectId":      item.ProjectID,
		"type":           string(item.Type),
		"title":          item.Title,
		"content":        item.Content,
		"version":        item.Version,
		"approvalStatus": string(item.ApprovalStatus),
		"isLocked":       item.IsLocked,
		"isCurrent":      item.IsCurrent,
		"isBaseline":     item.IsBaseline,
		"rootArtifactId": item.RootArtifactID,
		"revisionType":   string(item.RevisionType),
		"revisionReason": item.RevisionReason,
		"createdBy":      item.CreatedBy,
		"createdAt":      item.CreatedAt,
		"updatedAt":      item.UpdatedAt,
	}
	if item.ParentArtifactID != nil {
		payload["parentArtifactId"] = *item.ParentArtifactID
	}
	if item.ContentJSON != "" {
		payload["contentJson"] = json.RawMessage(item.ContentJSON)
	}
	if item.SubmittedAt != nil {
		payload["submittedAt"] = *item.SubmittedAt
		payload["submittedBy"] = item.SubmittedBy
	}
	if item.ApprovedAt != nil {
		payload["approvedAt"] = *item.ApprovedAt
		payload["approvedBy"] = item.ApprovedBy
	}
	if item.RejectedAt != nil {
		payload["rejectedAt"] = *item.RejectedAt
		payload["rejectedBy"] = item.RejectedBy
		payload["rejectedReason"] = item.RejectedReason
	}
	return payload
}
