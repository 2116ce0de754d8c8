package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"baseline/api/internal/config"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

// memStore is an in-memory dataStore mirroring the SQL semantics closely
// enough to drive the workflow end to end: demote-current on revision,
// decision upsert keyed by (artifact, step, approver), baseline
// promotion, delegation windows.
type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	usersByName map[string]string
	projects    map[string]store.Project
	members     map[string]string
	artifacts   map[string]store.Artifact
	steps       []store.ApprovalStep
	decisions   []store.ApprovalDecision
	approvers   map[string]bool
	delegations map[string]store.ApprovalDelegation
	suggestions map[string]store.ArtifactSuggestion
	audit       []store.AuditLogEntry
	refresh     map[string]store.User

	failAudit bool
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]store.User{},
		usersByName: map[string]string{},
		projects:    map[string]store.Project{},
		members:     map[string]string{},
		artifacts:   map[string]store.Artifact{},
		approvers:   map[string]bool{},
		delegations: map[string]store.ApprovalDelegation{},
		suggestions: map[string]store.ArtifactSuggestion{},
		refresh:     map[string]store.User{},
	}
}

func memberKey(projectID, userID string) string { return projectID + "/" + userID }

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.usersByName[name]; ok {
		return m.users[id], nil
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: name}
	m.users[user.ID] = user
	m.usersByName[name] = user.ID
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (m *memStore) InsertProject(_ context.Context, project store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project
	return nil
}

func (m *memStore) GetProjectRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.members[memberKey(projectID, userID)]
	if !ok {
		return "", sql.ErrNoRows
	}
	return role, nil
}

func (m *memStore) UpsertProjectMember(_ context.Context, member store.ProjectMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[memberKey(member.ProjectID, member.UserID)] = member.Role
	return nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = m.users[userID]
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (m *memStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}

func (m *memStore) GetArtifact(_ context.Context, artifactID string) (store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.artifacts[artifactID]
	if !ok {
		return store.Artifact{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) GetCurrentArtifact(_ context.Context, projectID string, artifactType store.ArtifactType) (*store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.artifacts {
		if item.ProjectID == projectID && item.Type == artifactType && item.IsCurrent {
			found := item
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListCurrentArtifacts(_ context.Context, projectID string) ([]store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []store.Artifact{}
	for _, item := range m.artifacts {
		if item.ProjectID == projectID && item.IsCurrent {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type < items[j].Type })
	return items, nil
}

func (m *memStore) ListLineage(_ context.Context, rootArtifactID string) ([]store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []store.Artifact{}
	for _, item := range m.artifacts {
		if item.RootArtifactID == rootArtifactID || item.ID == rootArtifactID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

func (m *memStore) InsertFirstVersion(_ context.Context, item store.Artifact) (store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Version = 1
	item.ApprovalStatus = store.StatusDraft
	item.IsCurrent = true
	item.RevisionType = store.RevisionInitial
	item.RootArtifactID = item.ID
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	m.artifacts[item.ID] = item
	return item, nil
}

func (m *memStore) InsertRevision(_ context.Context, input store.RevisionInput) (store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.artifacts[input.BaseID]
	if !ok {
		return store.Artifact{}, sql.ErrNoRows
	}
	root := base.RootArtifactID
	if root == "" {
		root = base.ID
	}
	nextVersion := 0
	for _, item := range m.artifacts {
		if (item.RootArtifactID == root || item.ID == root) && item.Version > nextVersion {
			nextVersion = item.Version
		}
	}
	nextVersion++
	for id, item := range m.artifacts {
		if item.ProjectID == input.ProjectID && item.Type == input.Type && item.IsCurrent {
			item.IsCurrent = false
			m.artifacts[id] = item
		}
	}
	baseID := input.BaseID
	inserted := store.Artifact{
		ID:               input.NewID,
		ProjectID:        input.ProjectID,
		Type:             input.Type,
		Title:            input.Title,
		Content:          input.Content,
		ContentJSON:      input.ContentJSON,
		Version:          nextVersion,
		ApprovalStatus:   store.StatusDraft,
		IsCurrent:        true,
		RootArtifactID:   root,
		ParentArtifactID: &baseID,
		RevisionType:     input.RevisionType,
		RevisionReason:   input.RevisionReason,
		CreatedBy:        input.CreatedBy,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	m.artifacts[inserted.ID] = inserted
	return inserted, nil
}

func (m *memStore) UpdateArtifactContent(_ context.Context, artifactID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	item.Content = content
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) UpdateArtifactTitle(_ context.Context, artifactID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	item.Title = title
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) UpdateArtifactContentJSON(_ context.Context, artifactID, contentJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	item.ContentJSON = contentJSON
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) MarkSubmitted(_ context.Context, artifactID, submittedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	now := time.Now()
	item.ApprovalStatus = store.StatusSubmitted
	item.IsLocked = true
	item.SubmittedAt = &now
	item.SubmittedBy = submittedBy
	item.RejectedAt = nil
	item.RejectedBy = ""
	item.RejectedReason = ""
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) MarkApproved(_ context.Context, artifactID, approvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	now := time.Now()
	item.ApprovalStatus = store.StatusApproved
	item.ApprovedAt = &now
	item.ApprovedBy = approvedBy
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) MarkChangesRequested(_ context.Context, artifactID, rejectedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	now := time.Now()
	item.ApprovalStatus = store.StatusChangesRequested
	item.IsLocked = false
	item.RejectedAt = &now
	item.RejectedBy = rejectedBy
	item.RejectedReason = reason
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) MarkRejected(_ context.Context, artifactID, rejectedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.artifacts[artifactID]
	now := time.Now()
	item.ApprovalStatus = store.StatusRejected
	item.IsLocked = false
	item.RejectedAt = &now
	item.RejectedBy = rejectedBy
	item.RejectedReason = reason
	m.artifacts[artifactID] = item
	return nil
}

func (m *memStore) PromoteBaseline(_ context.Context, approvedID, snapshotID string) (store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approved, ok := m.artifacts[approvedID]
	if !ok {
		return store.Artifact{}, sql.ErrNoRows
	}
	for id, item := range m.artifacts {
		if item.RootArtifactID == approved.RootArtifactID && item.IsBaseline {
			item.IsBaseline = false
			m.artifacts[id] = item
		}
	}
	for id, item := range m.artifacts {
		if item.ProjectID == approved.ProjectID && item.Type == approved.Type && item.IsCurrent {
			item.IsCurrent = false
			m.artifacts[id] = item
		}
	}
	now := time.Now()
	parentID := approved.ID
	snapshot := store.Artifact{
		ID:               snapshotID,
		ProjectID:        approved.ProjectID,
		Type:             approved.Type,
		Title:            approved.Title,
		Content:          approved.Content,
		ContentJSON:      approved.ContentJSON,
		Version:          approved.Version + 1,
		ApprovalStatus:   store.StatusApproved,
		IsLocked:         true,
		IsCurrent:        true,
		IsBaseline:       true,
		RootArtifactID:   approved.RootArtifactID,
		ParentArtifactID: &parentID,
		RevisionType:     store.RevisionBaseline,
		CreatedBy:        approved.CreatedBy,
		ApprovedAt:       &now,
		ApprovedBy:       approved.ApprovedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.artifacts[snapshot.ID] = snapshot
	return snapshot, nil
}

func (m *memStore) ListActiveSteps(_ context.Context, projectID string) ([]store.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := []store.ApprovalStep{}
	for _, step := range m.steps {
		if step.ProjectID == projectID && step.IsActive {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func (m *memStore) InsertApprovalStep(_ context.Context, step store.ApprovalStep) (store.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.IsActive = true
	m.steps = append(m.steps, step)
	return step, nil
}

func (m *memStore) UpsertDecision(_ context.Context, decision store.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	decision.DecidedAt = time.Now()
	for i, existing := range m.decisions {
		if existing.ArtifactID == decision.ArtifactID &&
			existing.StepID == decision.StepID &&
			existing.ApproverUserID == decision.ApproverUserID {
			m.decisions[i] = decision
			return nil
		}
	}
	m.decisions = append(m.decisions, decision)
	return nil
}

func (m *memStore) CountStepApprovals(_ context.Context, artifactID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, decision := range m.decisions {
		if decision.ArtifactID == artifactID && decision.StepID == stepID && decision.Decision == store.DecisionApproved {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListDecisions(_ context.Context, artifactID string) ([]store.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	decisions := []store.ApprovalDecision{}
	for _, decision := range m.decisions {
		if decision.ArtifactID == artifactID {
			decisions = append(decisions, decision)
		}
	}
	return decisions, nil
}

func (m *memStore) DeleteDecisions(_ context.Context, artifactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.decisions[:0]
	for _, decision := range m.decisions {
		if decision.ArtifactID != artifactID {
			kept = append(kept, decision)
		}
	}
	m.decisions = kept
	return nil
}

func (m *memStore) IsActiveApprover(_ context.Context, projectID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approvers[memberKey(projectID, userID)], nil
}

func (m *memStore) CountActiveApprovers(_ context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, active := range m.approvers {
		if active && strings.HasPrefix(key, projectID+"/") {
			count++
		}
	}
	return count, nil
}

func (m *memStore) UpsertProjectApprover(_ context.Context, approver store.ProjectApprover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvers[memberKey(approver.ProjectID, approver.UserID)] = approver.IsActive
	return nil
}

func (m *memStore) HasActiveDelegationTo(_ context.Context, projectID, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, delegation := range m.delegations {
		if delegation.ProjectID == projectID && delegation.ToUserID == userID &&
			!now.Before(delegation.StartsAt) && !now.After(delegation.EndsAt) &&
			m.approvers[memberKey(projectID, delegation.FromUserID)] {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertDelegation(_ context.Context, delegation store.ApprovalDelegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegations[delegation.ID] = delegation
	return nil
}

func (m *memStore) GetDelegation(_ context.Context, delegationID string) (store.ApprovalDelegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delegation, ok := m.delegations[delegationID]
	if !ok {
		return store.ApprovalDelegation{}, sql.ErrNoRows
	}
	return delegation, nil
}

func (m *memStore) DeleteDelegation(_ context.Context, delegationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegations[delegationID]; !ok {
		return false, nil
	}
	delete(m.delegations, delegationID)
	return true, nil
}

func (m *memStore) ListDelegations(_ context.Context, projectID string) ([]store.ApprovalDelegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delegations := []store.ApprovalDelegation{}
	for _, delegation := range m.delegations {
		if delegation.ProjectID == projectID {
			delegations = append(delegations, delegation)
		}
	}
	return delegations, nil
}

func (m *memStore) InsertSuggestion(_ context.Context, suggestion store.ArtifactSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	suggestion.CreatedAt = time.Now()
	suggestion.UpdatedAt = suggestion.CreatedAt
	m.suggestions[suggestion.ID] = suggestion
	return nil
}

func (m *memStore) GetSuggestion(_ context.Context, suggestionID string) (store.ArtifactSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	suggestion, ok := m.suggestions[suggestionID]
	if !ok {
		return store.ArtifactSuggestion{}, sql.ErrNoRows
	}
	return suggestion, nil
}

func (m *memStore) ListSuggestions(_ context.Context, artifactID string) ([]store.ArtifactSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	suggestions := []store.ArtifactSuggestion{}
	for _, suggestion := range m.suggestions {
		if suggestion.ArtifactID == artifactID {
			suggestions = append(suggestions, suggestion)
		}
	}
	return suggestions, nil
}

func (m *memStore) UpdateSuggestionStatus(_ context.Context, suggestionID string, status store.SuggestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	suggestion := m.suggestions[suggestionID]
	suggestion.Status = status
	suggestion.UpdatedAt = time.Now()
	m.suggestions[suggestionID] = suggestion
	return nil
}

func (m *memStore) InsertAuditLog(_ context.Context, entry store.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAudit {
		return sql.ErrConnDone
	}
	entry.CreatedAt = time.Now()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) ListAuditLog(_ context.Context, projectID, artifactID string, limit int) ([]store.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []store.AuditLogEntry{}
	for _, entry := range m.audit {
		if entry.ProjectID == projectID && (artifactID == "" || entry.ArtifactID == artifactID) {
			entries = append(entries, entry)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Fixture

const projectID = "proj-1"

type fixture struct {
	svc   *Service
	ms    *memStore
	owner Session
	edit  Session
	view  Session
	app1  Session
	app2  Session
	app3  Session
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	ms := newMemStore()
	ctx := context.Background()

	if err := ms.InsertProject(ctx, store.Project{ID: projectID, Name: "Atlas"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}

	addMember := func(name, role string, approver bool) Session {
		user, err := ms.EnsureUserByName(ctx, name)
		if err != nil {
			t.Fatalf("ensure user %s: %v", name, err)
		}
		if err := ms.UpsertProjectMember(ctx, store.ProjectMember{ProjectID: projectID, UserID: user.ID, Role: role}); err != nil {
			t.Fatalf("upsert member %s: %v", name, err)
		}
		if approver {
			if err := ms.UpsertProjectApprover(ctx, store.ProjectApprover{ProjectID: projectID, UserID: user.ID, IsActive: true}); err != nil {
				t.Fatalf("upsert approver %s: %v", name, err)
			}
		}
		return Session{UserID: user.ID, UserName: user.DisplayName}
	}

	f := &fixture{
		ms:    ms,
		owner: addMember("Olive Owner", "owner", false),
		edit:  addMember("Eli Editor", "editor", false),
		view:  addMember("Vik Viewer", "viewer", false),
		app1:  addMember("Ana Approver", "viewer", true),
		app2:  addMember("Ben Approver", "viewer", true),
		app3:  addMember("Cal Approver", "viewer", true),
	}
	f.svc = &Service{
		cfg:      cfg,
		store:    ms,
		sessions: ms,
		now:      time.Now,
	}
	return f
}

func (f *fixture) addStep(t *testing.T, order int, name string, requiresAll bool, minApprovals *int) store.ApprovalStep {
	t.Helper()
	step, err := f.ms.InsertApprovalStep(context.Background(), store.ApprovalStep{
		ID:           util.NewID("step"),
		ProjectID:    projectID,
		StepOrder:    order,
		StepName:     name,
		RequiresAll:  requiresAll,
		MinApprovals: minApprovals,
	})
	if err != nil {
		t.Fatalf("insert step: %v", err)
	}
	return step
}

func (f *fixture) createDraft(t *testing.T, author Session) string {
	t.Helper()
	payload, err := f.svc.CreateArtifact(context.Background(), author, projectID, CreateArtifactInput{
		Type:    "charter",
		Title:   "Atlas Charter",
		Content: "Initial charter body",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return payload["id"].(string)
}

func (f *fixture) submit(t *testing.T, actor Session, artifactID string) {
	t.Helper()
	if _, err := f.svc.SubmitForApproval(context.Background(), actor, projectID, artifactID); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	return domainErr.Status
}

// ---------------------------------------------------------------------------
// Versioning

func TestCreateArtifactStartsLineage(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)

	item, err := f.ms.GetArtifact(context.Background(), id)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if item.Version != 1 || !item.IsCurrent || item.IsLocked || item.ApprovalStatus != store.StatusDraft {
		t.Fatalf("unexpected first version: %+v", item)
	}
	if item.RootArtifactID != item.ID {
		t.Fatalf("root should be self-referential, got %s", item.RootArtifactID)
	}
}

func TestCreateArtifactOverExistingCurrentBecomesRevision(t *testing.T) {
	f := newFixture(t, config.Config{})
	first := f.createDraft(t, f.edit)

	payload, err := f.svc.CreateArtifact(context.Background(), f.edit, projectID, CreateArtifactInput{
		Type:    "charter",
		Title:   "Atlas Charter v2",
		Content: "Reworked body",
	})
	if err != nil {
		t.Fatalf("create over existing: %v", err)
	}
	if payload["version"].(int) != 2 {
		t.Fatalf("expected version 2, got %v", payload["version"])
	}

	old, _ := f.ms.GetArtifact(context.Background(), first)
	if old.IsCurrent {
		t.Fatal("prior current version should have been demoted")
	}
}

func TestViewerCannotCreateArtifact(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.svc.CreateArtifact(context.Background(), f.view, projectID, CreateArtifactInput{
		Type: "charter", Title: "Nope",
	})
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestNonMemberIsForbidden(t *testing.T) {
	f := newFixture(t, config.Config{})
	outsider, _ := f.ms.EnsureUserByName(context.Background(), "Out Sider")
	_, err := f.svc.ListCurrentArtifacts(context.Background(), Session{UserID: outsider.ID}, projectID)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403 for non-member, got %d", status)
	}

	_, err = f.svc.ListCurrentArtifacts(context.Background(), Session{UserID: outsider.ID}, "proj-missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected 404 for missing project, got %d", status)
	}
}

func TestUpdateContentRejectedWhenLocked(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	_, err := f.svc.UpdateContent(context.Background(), f.edit, id, "sneaky edit")
	if status := domainStatus(t, err); status != 409 {
		t.Fatalf("expected 409 for locked artifact, got %d", status)
	}
}

func TestRestoreCopiesTargetContentForward(t *testing.T) {
	f := newFixture(t, config.Config{})
	v1 := f.createDraft(t, f.edit)
	if _, err := f.svc.UpdateContent(context.Background(), f.edit, v1, "original wording"); err != nil {
		t.Fatalf("update content: %v", err)
	}
	v2Payload, err := f.svc.ReviseArtifact(context.Background(), f.edit, v1, ReviseArtifactInput{Reason: "rework"})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	v2 := v2Payload["id"].(string)
	if _, err := f.svc.UpdateContent(context.Background(), f.edit, v2, "changed wording"); err != nil {
		t.Fatalf("update v2: %v", err)
	}

	restored, err := f.svc.RestoreVersion(context.Background(), f.edit, projectID, v1, "roll back")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored["content"].(string) != "original wording" {
		t.Fatalf("restore should copy target content, got %q", restored["content"])
	}
	if restored["version"].(int) != 3 {
		t.Fatalf("restore should append version 3, got %v", restored["version"])
	}
	if restored["revisionType"].(string) != "restore" {
		t.Fatalf("expected restore revision type, got %v", restored["revisionType"])
	}

	// History rows are untouched.
	target, _ := f.ms.GetArtifact(context.Background(), v1)
	if target.Content != "original wording" || target.IsCurrent {
		t.Fatalf("history row mutated: %+v", target)
	}
}

func TestSingleCurrentInvariantAcrossRevisions(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	for i := 0; i < 3; i++ {
		payload, err := f.svc.ReviseArtifact(context.Background(), f.edit, id, ReviseArtifactInput{})
		if err != nil {
			t.Fatalf("revise %d: %v", i, err)
		}
		id = payload["id"].(string)
	}

	current := 0
	for _, item := range f.ms.artifacts {
		if item.IsCurrent {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current row, got %d", current)
	}
}

// ---------------------------------------------------------------------------
// Submission

func TestApproverAloneCannotSubmit(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)

	_, err := f.svc.SubmitForApproval(context.Background(), f.app1, projectID, id)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("approver-only viewer should not submit, got %d", status)
	}
}

func TestAuthorMaySubmitOwnDraft(t *testing.T) {
	f := newFixture(t, config.Config{})
	// The author is an approver with only viewer membership; authorship
	// alone grants submission.
	ctx := context.Background()
	item, err := f.ms.InsertFirstVersion(ctx, store.Artifact{
		ID: util.NewID("art"), ProjectID: projectID, Type: store.TypeWBS,
		Title: "WBS", CreatedBy: f.app1.UserID,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.svc.SubmitForApproval(ctx, f.app1, projectID, item.ID); err != nil {
		t.Fatalf("author submit: %v", err)
	}
}

func TestSubmitLocksAndIsIdempotent(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	item, _ := f.ms.GetArtifact(context.Background(), id)
	if item.ApprovalStatus != store.StatusSubmitted || !item.IsLocked {
		t.Fatalf("submit should lock: %+v", item)
	}

	// Second submit is a no-op, not an error.
	if _, err := f.svc.SubmitForApproval(context.Background(), f.edit, projectID, id); err != nil {
		t.Fatalf("resubmit of submitted artifact should be a no-op: %v", err)
	}
}

func TestSubmitCreatesDefaultStepLazily(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	steps, _ := f.ms.ListActiveSteps(context.Background(), projectID)
	if len(steps) != 1 || !steps[0].RequiresAll {
		t.Fatalf("expected one lazily created requires-all step, got %+v", steps)
	}
}

func TestResubmissionClearsDecisions(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.addStep(t, 1, "Review", true, nil)
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	ctx := context.Background()
	if _, err := f.svc.Approve(ctx, f.app1, projectID, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.RequestChanges(ctx, f.app2, projectID, id, "tighten scope"); err != nil {
		t.Fatalf("request changes: %v", err)
	}

	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusChangesRequested || item.IsLocked {
		t.Fatalf("expected unlocked changes_requested, got %+v", item)
	}

	f.submit(t, f.edit, id)
	decisions, _ := f.ms.ListDecisions(ctx, id)
	if len(decisions) != 0 {
		t.Fatalf("resubmission must clear decisions, found %d", len(decisions))
	}
}

// ---------------------------------------------------------------------------
// Approval decisions

func TestApproveRequiresSubmittedStatus(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)

	_, err := f.svc.Approve(context.Background(), f.app1, projectID, id)
	if status := domainStatus(t, err); status != 409 {
		t.Fatalf("approving a draft should conflict, got %d", status)
	}
}

func TestSelfApprovalRejected(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()
	item, err := f.ms.InsertFirstVersion(ctx, store.Artifact{
		ID: util.NewID("art"), ProjectID: projectID, Type: store.TypeCharter,
		Title: "Charter", CreatedBy: f.app1.UserID,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	f.submit(t, f.app1, item.ID)

	_, err = f.svc.Approve(ctx, f.app1, projectID, item.ID)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("self-approval must be forbidden, got %d", status)
	}

	// Preconditions fail atomically: no decision row was recorded.
	decisions, _ := f.ms.ListDecisions(ctx, item.ID)
	if len(decisions) != 0 {
		t.Fatalf("rejected approve recorded a decision: %+v", decisions)
	}
}

func TestNonApproverCannotApprove(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	_, err := f.svc.Approve(context.Background(), f.view, projectID, id)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestRepeatedApprovalUpsertsSingleDecision(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.addStep(t, 1, "Review", true, nil)
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	ctx := context.Background()
	if _, err := f.svc.Approve(ctx, f.app1, projectID, id); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := f.svc.Approve(ctx, f.app1, projectID, id); err != nil {
		t.Fatalf("second approve: %v", err)
	}

	decisions, _ := f.ms.ListDecisions(ctx, id)
	if len(decisions) != 1 {
		t.Fatalf("re-voting must upsert, found %d decision rows", len(decisions))
	}
}

func TestRequiresAllQuorum(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.addStep(t, 1, "Review", true, nil)
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	ctx := context.Background()
	for _, approver := range []Session{f.app1, f.app2} {
		if _, err := f.svc.Approve(ctx, approver, projectID, id); err != nil {
			t.Fatalf("approve by %s: %v", approver.UserName, err)
		}
		item, _ := f.ms.GetArtifact(ctx, id)
		if item.ApprovalStatus != store.StatusSubmitted {
			t.Fatalf("step incomplete, status must stay submitted, got %s", item.ApprovalStatus)
		}
	}

	if _, err := f.svc.Approve(ctx, f.app3, projectID, id); err != nil {
		t.Fatalf("final approve: %v", err)
	}
	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusApproved {
		t.Fatalf("all three approved, expected approved, got %s", item.ApprovalStatus)
	}
}

func TestMinApprovalsQuorum(t *testing.T) {
	f := newFixture(t, config.Config{})
	minTwo := 2
	f.addStep(t, 1, "Review", false, &minTwo)
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	ctx := context.Background()
	if _, err := f.svc.Approve(ctx, f.app1, projectID, id); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusSubmitted {
		t.Fatalf("one of two approvals, expected submitted, got %s", item.ApprovalStatus)
	}

	if _, err := f.svc.Approve(ctx, f.app2, projectID, id); err != nil {
		t.Fatalf("second approve: %v", err)
	}
	item, _ = f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusApproved {
		t.Fatalf("quorum of two reached, expected approved, got %s", item.ApprovalStatus)
	}
}

func TestRejectFinalUnlocksWithReason(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.addStep(t, 1, "Review", true, nil)
	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	ctx := context.Background()
	if _, err := f.svc.RejectFinal(ctx, f.app1, projectID, id, "out of scope"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusRejected || item.IsLocked || item.RejectedReason != "out of scope" {
		t.Fatalf("unexpected rejected state: %+v", item)
	}
}

// ---------------------------------------------------------------------------
// Baseline promotion

func TestBaselinePromotionKeepsSingleBaseline(t *testing.T) {
	f := newFixture(t, config.Config{})
	minOne := 1
	f.addStep(t, 1, "Review", false, &minOne)
	ctx := context.Background()

	runCycle := func() {
		current, err := f.ms.GetCurrentArtifact(ctx, projectID, store.TypeCharter)
		if err != nil {
			t.Fatalf("get current: %v", err)
		}
		var id string
		if current == nil {
			id = f.createDraft(t, f.edit)
		} else {
			payload, err := f.svc.ReviseArtifact(ctx, f.edit, current.ID, ReviseArtifactInput{})
			if err != nil {
				t.Fatalf("revise: %v", err)
			}
			id = payload["id"].(string)
		}
		f.submit(t, f.edit, id)
		if _, err := f.svc.Approve(ctx, f.app1, projectID, id); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	runCycle()
	runCycle()

	baselines := 0
	var baseline store.Artifact
	for _, item := range f.ms.artifacts {
		if item.IsBaseline {
			baselines++
			baseline = item
		}
	}
	if baselines != 1 {
		t.Fatalf("expected exactly one baseline row, got %d", baselines)
	}
	if !baseline.IsLocked || !baseline.IsCurrent || baseline.ApprovalStatus != store.StatusApproved {
		t.Fatalf("baseline must be a locked current approved snapshot: %+v", baseline)
	}
	if baseline.RevisionType != store.RevisionBaseline {
		t.Fatalf("baseline revision type wrong: %s", baseline.RevisionType)
	}
}

func TestEndToEndTwoStepWorkflow(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()

	// Step 1 requires all (here: the roster of three); step 2 needs one.
	minOne := 1
	f.addStep(t, 1, "Review", true, nil)
	f.addStep(t, 2, "Sign-off", false, &minOne)

	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	for _, approver := range []Session{f.app1, f.app2, f.app3} {
		if _, err := f.svc.Approve(ctx, approver, projectID, id); err != nil {
			t.Fatalf("step 1 approve by %s: %v", approver.UserName, err)
		}
	}
	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusSubmitted {
		t.Fatalf("step 2 still pending, expected submitted, got %s", item.ApprovalStatus)
	}

	payload, err := f.svc.Approve(ctx, f.app1, projectID, id)
	if err != nil {
		t.Fatalf("step 2 approve: %v", err)
	}

	item, _ = f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusApproved {
		t.Fatalf("expected approved, got %s", item.ApprovalStatus)
	}
	if !payload["isBaseline"].(bool) {
		t.Fatal("final approval should return the baseline snapshot")
	}
	if payload["version"].(int) != item.Version+1 {
		t.Fatalf("baseline version should be %d, got %v", item.Version+1, payload["version"])
	}
}

// ---------------------------------------------------------------------------
// Delegations

func TestDelegationSelfTargetRejected(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.svc.CreateDelegation(context.Background(), f.owner, projectID, CreateDelegationInput{
		FromUserID: f.app1.UserID,
		ToUserID:   f.app1.UserID,
		StartsAt:   time.Now(),
		EndsAt:     time.Now().Add(24 * time.Hour),
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("self-delegation must fail validation, got %d", status)
	}
}

func TestDelegationWindowMustBeOrdered(t *testing.T) {
	f := newFixture(t, config.Config{})
	now := time.Now()
	_, err := f.svc.CreateDelegation(context.Background(), f.owner, projectID, CreateDelegationInput{
		FromUserID: f.app1.UserID,
		ToUserID:   f.view.UserID,
		StartsAt:   now.Add(24 * time.Hour),
		EndsAt:     now,
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("inverted window must fail validation, got %d", status)
	}
}

func TestDelegateMayVoteDuringWindow(t *testing.T) {
	f := newFixture(t, config.Config{})
	minOne := 1
	f.addStep(t, 1, "Review", false, &minOne)
	ctx := context.Background()

	if _, err := f.svc.CreateDelegation(ctx, f.app1, projectID, CreateDelegationInput{
		FromUserID: f.app1.UserID,
		ToUserID:   f.view.UserID,
		StartsAt:   time.Now().Add(-time.Hour),
		EndsAt:     time.Now().Add(time.Hour),
		Reason:     "annual leave",
	}); err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	id := f.createDraft(t, f.edit)
	f.submit(t, f.edit, id)

	if _, err := f.svc.Approve(ctx, f.view, projectID, id); err != nil {
		t.Fatalf("delegate should hold approval authority: %v", err)
	}
	item, _ := f.ms.GetArtifact(ctx, id)
	if item.ApprovalStatus != store.StatusApproved {
		t.Fatalf("expected approved via delegate, got %s", item.ApprovalStatus)
	}
}

func TestDeleteDelegationByDelegator(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()
	payload, err := f.svc.CreateDelegation(ctx, f.app1, projectID, CreateDelegationInput{
		FromUserID: f.app1.UserID,
		ToUserID:   f.view.UserID,
		StartsAt:   time.Now(),
		EndsAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	delegationID := payload["id"].(string)

	if err := f.svc.DeleteDelegation(ctx, f.app2, projectID, delegationID); err == nil {
		t.Fatal("another approver must not revoke someone else's delegation")
	}
	if err := f.svc.DeleteDelegation(ctx, f.app1, projectID, delegationID); err != nil {
		t.Fatalf("delegator revoke: %v", err)
	}
	if err := f.svc.DeleteDelegation(ctx, f.app1, projectID, delegationID); err == nil {
		t.Fatal("second delete should report not found")
	}
}

// ---------------------------------------------------------------------------
// Editors-as-approvers toggle

func TestEditorsMayApproveWhenConfigured(t *testing.T) {
	f := newFixture(t, config.Config{ApproversIncludeEditors: true})
	minOne := 1
	f.addStep(t, 1, "Review", false, &minOne)
	ctx := context.Background()

	id := f.createDraft(t, f.owner)
	f.submit(t, f.owner, id)

	if _, err := f.svc.Approve(ctx, f.edit, projectID, id); err != nil {
		t.Fatalf("editor should approve when toggle is on: %v", err)
	}
}

func TestEditorsCannotApproveByDefault(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.owner)
	f.submit(t, f.owner, id)

	_, err := f.svc.Approve(context.Background(), f.edit, projectID, id)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("editor approval must be off by default, got %d", status)
	}
}

// ---------------------------------------------------------------------------
// Audit

func TestLifecycleAuditIsBestEffort(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.ms.failAudit = true

	// Content edits must survive a broken audit table.
	id := f.createDraft(t, f.edit)
	if _, err := f.svc.UpdateContent(context.Background(), f.edit, id, "new body"); err != nil {
		t.Fatalf("edit should not fail on audit error: %v", err)
	}
}

func TestApprovalAuditIsRequired(t *testing.T) {
	f := newFixture(t, config.Config{})
	id := f.createDraft(t, f.edit)
	f.ms.failAudit = true

	_, err := f.svc.SubmitForApproval(context.Background(), f.edit, projectID, id)
	if err == nil {
		t.Fatal("submit must surface audit failures")
	}
}
