package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

type AddSuggestionInput struct {
	Anchor     string `json:"anchor"`
	RangeStart *int   `json:"rangeStart"`
	RangeEnd   *int   `json:"rangeEnd"`
	Text       string `json:"text"`
	Style      string `json:"style"`
}

// AddSuggestion records an inline-edit proposal. The optional range is
// kept only when it anchors into content-like text and both bounds are
// valid against the current content; otherwise the suggestion falls back
// to append mode.
func (s *Service) AddSuggestion(ctx context.Context, session Session, artifactID string, input AddSuggestionInput) (map[string]any, error) {
	anchor := store.SuggestionAnchor(strings.TrimSpace(input.Anchor))
	if !anchor.Valid() {
		return nil, validationError("anchor must be one of title, content, general", nil)
	}
	if strings.TrimSpace(input.Text) == "" {
		return nil, validationError("text is required", nil)
	}

	item, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("Artifact not found")
	}
	if err != nil {
		return nil, err
	}

	role, err := s.effectiveRole(ctx, item.ProjectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(role, rbac.ActionSuggest) {
		active, err := s.isActiveApprover(ctx, item.ProjectID, session.UserID, role)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, permissionError("Viewers cannot add suggestions")
		}
	}

	suggestion := store.ArtifactSuggestion{
		ID:            util.NewID("sug"),
		ArtifactID:    item.ID,
		ActorUserID:   session.UserID,
		Anchor:        anchor,
		SuggestedText: input.Text,
		Style:         strings.TrimSpace(input.Style),
		Status:        store.SuggestionOpen,
	}
	if rng := validRange(anchor, input.RangeStart, input.RangeEnd, item.Content); rng != nil {
		suggestion.Range = rng
	}

	if err := s.store.InsertSuggestion(ctx, suggestion); err != nil {
		return nil, err
	}
	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  item.ProjectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "suggestion.added",
		After:      map[string]any{"suggestionId": suggestion.ID, "anchor": string(anchor)},
	})
	return suggestionPayload(suggestion), nil
}

// validRange keeps a range only when it can splice into the current
// content: content-like anchor, both bounds present, 0 <= start <= end,
// end within the rune length.
func validRange(anchor store.SuggestionAnchor, start, end *int, content string) *store.SuggestionRange {
	if !anchor.ContentLike() || start == nil || end == nil {
		return nil
	}
	length := len([]rune(content))
	if *start < 0 || *end < *start || *end > length {
		return nil
	}
	return &store.SuggestionRange{Start: *start, End: *end}
}

// ApplySuggestion folds an open suggestion into the artifact. Title
// anchors replace the title; a valid content range splices; anything
// else appends a stamped block. Applying an already-applied suggestion
// is a no-op.
func (s *Service) ApplySuggestion(ctx context.Context, session Session, artifactID, suggestionID string) (map[string]any, error) {
	suggestion, item, err := s.loadSuggestion(ctx, session, artifactID, suggestionID)
	if err != nil {
		return nil, err
	}
	if suggestion.Status == store.SuggestionApplied {
		return suggestionPayload(suggestion), nil
	}
	if suggestion.Status == store.SuggestionDismissed {
		return nil, stateError("Suggestion was already dismissed")
	}

	if item.IsLocked {
		return nil, stateError("Artifact is locked for approval")
	}
	if !item.ApprovalStatus.Editable() {
		return nil, stateError("Artifact is not editable in status " + string(item.ApprovalStatus))
	}

	switch {
	case suggestion.Anchor == store.AnchorTitle:
		if err := s.store.UpdateArtifactTitle(ctx, item.ID, suggestion.SuggestedText); err != nil {
			return nil, err
		}
		item.Title = suggestion.SuggestedText
	case suggestion.Range != nil && suggestion.Range.End <= len([]rune(item.Content)):
		content := spliceRunes(item.Content, suggestion.Range.Start, suggestion.Range.End, suggestion.SuggestedText)
		if err := s.store.UpdateArtifactContent(ctx, item.ID, content); err != nil {
			return nil, err
		}
		item.Content = content
	default:
		content := item.Content + stampedBlock(session.UserName, s.now(), suggestion.SuggestedText)
		if err := s.store.UpdateArtifactContent(ctx, item.ID, content); err != nil {
			return nil, err
		}
		item.Content = content
	}

	if err := s.store.UpdateSuggestionStatus(ctx, suggestion.ID, store.SuggestionApplied); err != nil {
		return nil, err
	}
	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  item.ProjectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "suggestion.applied",
		After:      map[string]any{"suggestionId": suggestion.ID},
	})
	s.indexArtifact(item)

	suggestion.Status = store.SuggestionApplied
	payload := suggestionPayload(suggestion)
	payload["artifact"] = artifactPayload(item)
	return payload, nil
}

// DismissSuggestion closes a suggestion without applying it. Dismissing
// an already-dismissed suggestion is a no-op.
func (s *Service) DismissSuggestion(ctx context.Context, session Session, artifactID, suggestionID string) (map[string]any, error) {
	suggestion, item, err := s.loadSuggestion(ctx, session, artifactID, suggestionID)
	if err != nil {
		return nil, err
	}
	if suggestion.Status == store.SuggestionDismissed {
		return suggestionPayload(suggestion), nil
	}
	if suggestion.Status == store.SuggestionApplied {
		return nil, stateError("Suggestion was already applied")
	}

	if err := s.store.UpdateSuggestionStatus(ctx, suggestion.ID, store.SuggestionDismissed); err != nil {
		return nil, err
	}
	s.auditBestEffort(ctx, store.AuditLogEntry{
		ProjectID:  item.ProjectID,
		ArtifactID: item.ID,
		ActorID:    session.UserID,
		Action:     "suggestion.dismissed",
		After:      map[string]any{"suggestionId": suggestion.ID},
	})
	suggestion.Status = store.SuggestionDismissed
	return suggestionPayload(suggestion), nil
}

func (s *Service) ListSuggestions(ctx context.Context, session Session, artifactID string) ([]map[string]any, error) {
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
	suggestions, err := s.store.ListSuggestions(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(suggestions))
	for _, suggestion := range suggestions {
		payloads = append(payloads, suggestionPayload(suggestion))
	}
	return payloads, nil
}

// loadSuggestion fetches the suggestion, its artifact, and verifies the
// caller holds write access in the owning project.
func (s *Service) loadSuggestion(ctx context.Context, session Session, artifactID, suggestionID string) (store.ArtifactSuggestion, store.Artifact, error) {
	suggestion, err := s.store.GetSuggestion(ctx, suggestionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactSuggestion{}, store.Artifact{}, notFoundError("Suggestion not found")
	}
	if err != nil {
		return store.ArtifactSuggestion{}, store.Artifact{}, err
	}
	if suggestion.ArtifactID != artifactID {
		return store.ArtifactSuggestion{}, store.Artifact{}, notFoundError("Suggestion not found on this artifact")
	}

	item, err := s.store.GetArtifact(ctx, suggestion.ArtifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactSuggestion{}, store.Artifact{}, notFoundError("Artifact not found")
	}
	if err != nil {
		return store.ArtifactSuggestion{}, store.Artifact{}, err
	}

	role, err := s.effectiveRole(ctx, item.ProjectID, session.UserID)
	if err != nil {
		return store.ArtifactSuggestion{}, store.Artifact{}, err
	}
	if !rbac.Can(role, rbac.ActionWrite) {
		return store.ArtifactSuggestion{}, store.Artifact{}, permissionError("Only owners and editors may resolve suggestions")
	}
	return suggestion, item, nil
}

// spliceRunes replaces content[start:end) with replacement, counting in
// runes so multi-byte text splices cleanly.
func spliceRunes(content string, start, end int, replacement string) string {
	runes := []rune(content)
	var builder strings.Builder
	builder.WriteString(string(runes[:start]))
	builder.WriteString(replacement)
	builder.WriteString(string(runes[end:]))
	return builder.String()
}

func stampedBlock(actor string, at time.Time, text string) string {
	return fmt.Sprintf("\n\n--- Suggested by %s on %s ---\n%s", actor, at.UTC().Format(time.RFC3339), text)
}

func suggestionPayload(suggestion store.ArtifactSuggestion) map[string]any {
	payload := map[string]any{
		"id":            suggestion.ID,
		"artifactId":    suggestion.ArtifactID,
		"actorUserId":   suggestion.ActorUserID,
		"anchor":        string(suggestion.Anchor),
		"suggestedText": suggestion.SuggestedText,
		"style":         suggestion.Style,
		"status":        string(suggestion.Status),
		"createdAt":     suggestion.CreatedAt,
		"updatedAt":     suggestion.UpdatedAt,
	}
	if suggestion.Range != nil {
		payload["range"] = map[string]any{"start": suggestion.Range.Start, "end": suggestion.Range.End}
	}
	return payload
}
