package app

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

type CreateArtifactInput struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentJSON string `json:"contentJson"`
}

type ReviseArtifactInput struct {
	Reason       string `json:"reason"`
	RevisionType string `json:"revisionType"`
}

// CreateArtifact starts a lineage for (project, type), or appends a
// revision when a current version already exists. The caller never has
// to know which of the two happened; the returned row tells them.
func (s *Service) CreateArtifact(ctx context.Context, session Session, projectID string, input CreateArtifactInput) (map[string]any, error) {
	artifactType := store.ArtifactType(strings.TrimSpace(input.Type))
	if !artifactType.Valid() {
		return nil, validationError("type must be one of charter, closure_report, wbs, change_request", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required", nil)
	}

	role, err := s.effectiveRole(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return nil, permissionError("Viewers cannot create artifacts")
	}

	current, err := s.store.GetCurrentArtifact(ctx, projectID, artifactType)
	if err != nil {
		return nil, err
	}

	var created store.Artifact
	action := "artifact.created"
	if current == nil {
		created, err = s.store.InsertFirstVersion(ctx, store.Artifact{
			ID:          util.NewID("art"),
			ProjectID:   projectID,
			Type:        artifactType,
			Title:       title,
			Content:     input.Content,
			ContentJSON: input.ContentJSON,
			CreatedBy:   session.UserID,
		})
	} else {
		action = "artifact.revised"
		created, err = s.store.InsertRevision(ctx, store.RevisionInput{
			NewID:          util.NewID("art"),
			ProjectID:      projectID,
			Type:           artifactType,
			BaseID:         current.ID,
			Title:          title,
			Content:        input.Content,
			ContentJSON:    input.ContentJSON,
			RevisionType:   store.RevisionEdit,
			RevisionReason: "Recreated over existing current version",
			CreatedBy:      session.UserID,
		})
	}
	if err != nil {
		return nil, err
	}

	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  projectID,
		ArtifactID: created.ID,
		ActorID:    session.UserID,
		Action:     action,
		After:      map[string]any{"version": created.Version, "approvalStatus": string(created.ApprovalStatus)},
	})
	s.indexArtifact(created)
	if current != nil {
		s.deindexArtifact(current.ID)
	}
	return artifactPayload(created), nil
}

// loadEditable fetches an artifact and verifies it accepts content edits:
// current, unlocked, and in a draft-like status.
func (s *Service) loadEditable(ctx context.Context, session Session, artifactID string) (store.Artifact, error) {
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

	role, err := s.effectiveRole(ctx, item.ProjectID, session.UserID)
	if err != nil {
		return store.Artifact{}, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return store.Artifact{}, permissionError("Viewers cannot edit artifacts")
	}

	if item.IsLocked {
		return store.Artifact{}, stateError("Artifact is locked for approval")
	}
	if !item.ApprovalStatus.Editable() {
		return store.Artifact{}, stateError("Artifact is not editable in status " + string(item.ApprovalStatus))
	}
	if !item.IsCurrent {
		return store.Artifact{}, stateError("Only the current version accepts edits")
	}
	return item, nil
}

func (s *Service) UpdateContent(ctx context.Context, session Session, artifactID, content string) (map[string]any, error) {
	item, err := s.loadEditable(ctx, session, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateArtifactContent(ctx, item.ID, content); err != nil {
		return nil, err
	}
	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  item.ProjectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "artifact.content_updated",
		Before:     map[string]any{"contentLength": len(item.Content)},
		After:      map[string]any{"contentLength": len(content)},
	})
	item.Content = content
	s.indexArtifact(item)
	return artifactPayload(item), nil
}

func (s *Service) UpdateContentJSON(ctx context.Context, session Session, artifactID, contentJSON string) (map[string]any, error) {
	item, err := s.loadEditable(ctx, session, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateArtifactContentJSON(ctx, item.ID, contentJSON); err != nil {
		return nil, err
	}
	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  item.ProjectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "artifact.content_json_updated",
	})
	item.ContentJSON = contentJSON
	return artifactPayload(item), nil
}

// ReviseArtifact appends a new draft version carrying the base version's
// content forward.
func (s *Service) ReviseArtifact(ctx context.Context, session Session, artifactID string, input ReviseArtifactInput) (map[string]any, error) {
	if strings.TrimSpace(artifactID) == "" {
		return nil, validationError("artifactId is required", nil)
	}
	revisionType := store.RevisionEdit
	if trimmed := strings.TrimSpace(input.RevisionType); trimmed != "" {
		revisionType = store.RevisionType(trimmed)
		if revisionType != store.RevisionEdit && revisionType != store.RevisionRestore {
			return nil, validationError("revisionType must be edit or restore", nil)
		}
	}

	base, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Artifact not found")
	}
	if err != nil {
		return nil, err
	}

	role, err := s.effectiveRole(ctx, base.ProjectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return nil, permissionError("Viewers cannot revise artifacts")
	}

	current, err := s.store.GetCurrentArtifact(ctx, base.ProjectID, base.Type)
	if err != nil {
		return nil, err
	}

	revised, err := s.store.InsertRevision(ctx, store.RevisionInput{
		NewID:          util.NewID("art"),
		ProjectID:      base.ProjectID,
		Type:           base.Type,
		BaseID:         base.ID,
		Title:          base.Title,
		Content:        base.Content,
		ContentJSON:    base.ContentJSON,
		RevisionType:   revisionType,
		RevisionReason: strings.TrimSpace(input.Reason),
		CreatedBy:      session.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  revised.ProjectID,
		ArtifactID: revised.ID,
		ActorID:    session.UserID,
		Action:     "artifact.revised",
		Before:     map[string]any{"version": base.Version},
		After:      map[string]any{"version": revised.Version, "revisionType": string(revisionType)},
	})
	s.indexArtifact(revised)
	if current != nil {
		s.deindexArtifact(current.ID)
	}
	return artifactPayload(revised), nil
}

// RestoreVersion copies a historical version's content forward as a new
// draft. History itself is never rewritten.
func (s *Service) RestoreVersion(ctx context.Context, session Session, projectID, targetArtifactID, reason string) (map[string]any, error) {
	if strings.TrimSpace(targetArtifactID) == "" {
		return nil, validationError("targetArtifactId is required", nil)
	}

	role, err := s.effectiveRole(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return nil, permissionError("Viewers cannot restore versions")
	}

	target, err := s.store.GetArtifact(ctx, targetArtifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Artifact not found")
	}
	if err != nil {
		return nil, err
	}
	if target.ProjectID != projectID {
		return nil, notFoundError("Artifact not found in this project")
	}

	current, err := s.store.GetCurrentArtifact(ctx, projectID, target.Type)
	if err != nil {
		return nil, err
	}

	restored, err := s.store.InsertRevision(ctx, store.RevisionInput{
		NewID:          util.NewID("art"),
		ProjectID:      projectID,
		Type:           target.Type,
		BaseID:         target.ID,
		Title:          target.Title,
		Content:        target.Content,
		ContentJSON:    target.ContentJSON,
		RevisionType:   store.RevisionRestore,
		RevisionReason: trimOr(reason, "Restored version "+strconv.Itoa(target.Version)),
		CreatedBy:      session.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  projectID,
		ArtifactID: restored.ID,
		ActorID:    session.UserID,
		Action:     "artifact.restored",
		Before:     map[string]any{"restoredFrom": target.ID, "restoredVersion": target.Version},
		After:      map[string]any{"version": restored.Version},
	})
	s.indexArtifact(restored)
	if current != nil {
		s.deindexArtifact(current.ID)
	}
	return artifactPayload(restored), nil
}

// GetArtifact returns one version row; membership in the owning project
// is required to read it.
func (s *Service) GetArtifact(ctx context.Context, session Session, artifactID string) (map[string]any, error) {
	item, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Artifact not found")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.effectiveRole(ctx, item.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	return artifactPayload(item), nil
}

func (s *Service) ListCurrentArtifacts(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.effectiveRole(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	items, err := s.store.ListCurrentArtifacts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, artifactPayload(item))
	}
	return payloads, nil
}

// ListLineage returns every version of the artifact's lineage in version
// order.
func (s *Service) ListLineage(ctx context.Context, session Session, artifactID string) ([]map[string]any, error) {
	item, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Artifact not found")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.effectiveRole(ctx, item.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListLineage(ctx, item.RootArtifactID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		payloads = append(payloads, artifactPayload(version))
	}
	return payloads, nil
}

func (s *Service) AuditLog(ctx context.Context, session Session, projectID, artifactID string, limit int) ([]map[string]any, error) {
	if _, err := s.effectiveRole(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListAuditLog(ctx, projectID, artifactID, limit)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, map[string]any{
			"id":         entry.ID,
			"projectId":  entry.ProjectID,
			"artifactId": entry.ArtifactID,
			"actorId":    entry.ActorID,
			"action":     entry.Action,
			"before":     entry.Before,
			"after":      entry.After,
			"createdAt":  entry.CreatedAt,
		})
	}
	return payloads, nil
}
