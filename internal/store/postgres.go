package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users and membership

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, is_external FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.baseline.dev'))
		RETURNING id, display_name, email, is_external
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, is_external FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at FROM projects WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, project.ID, project.Name, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProjectRole returns the membership role; sql.ErrNoRows when the user
// is not a member of the project.
func (s *PostgresStore) GetProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, member ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.ProjectID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.is_external
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---------------------------------------------------------------------------
// Artifacts

const artifactColumns = `
	id, project_id, artifact_type, title, content, COALESCE(content_json::text, ''),
	version, approval_status, is_locked, is_current, is_baseline,
	COALESCE(root_artifact_id, id), parent_artifact_id,
	revision_type, COALESCE(revision_reason, ''), created_by,
	submitted_at, COALESCE(submitted_by, ''),
	approved_at, COALESCE(approved_by, ''),
	rejected_at, COALESCE(rejected_by, ''), COALESCE(rejected_reason, ''),
	created_at, updated_at
`

type artifactScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row artifactScanner) (Artifact, error) {
	var item Artifact
	err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Type,
		&item.Title,
		&item.Content,
		&item.ContentJSON,
		&item.Version,
		&item.ApprovalStatus,
		&item.IsLocked,
		&item.IsCurrent,
		&item.IsBaseline,
		&item.RootArtifactID,
		&item.ParentArtifactID,
		&item.RevisionType,
		&item.RevisionReason,
		&item.CreatedBy,
		&item.SubmittedAt,
		&item.SubmittedBy,
		&item.ApprovedAt,
		&item.ApprovedBy,
		&item.RejectedAt,
		&item.RejectedBy,
		&item.RejectedReason,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, artifactID)
	item, err := scanArtifact(row)
	if err != nil {
		return Artifact{}, err
	}
	return item, nil
}

// GetCurrentArtifact returns the single current row for (project, type),
// or nil when the lineage does not exist yet.
func (s *PostgresStore) GetCurrentArtifact(ctx context.Context, projectID string, artifactType ArtifactType) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE project_id=$1 AND artifact_type=$2 AND is_current
	`, projectID, artifactType)
	item, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current artifact: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListCurrentArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE project_id=$1 AND is_current
		ORDER BY artifact_type ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list current artifacts: %w", err)
	}
	defer rows.Close()

	items := make([]Artifact, 0)
	for rows.Next() {
		item, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListLineage(ctx context.Context, rootArtifactID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE root_artifact_id=$1 OR id=$1
		ORDER BY version ASC
	`, rootArtifactID)
	if err != nil {
		return nil, fmt.Errorf("list lineage: %w", err)
	}
	defer rows.Close()

	items := make([]Artifact, 0)
	for rows.Next() {
		item, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage artifact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage: %w", err)
	}
	return items, nil
}

// InsertFirstVersion inserts version 1 of a fresh lineage and backfills
// root_artifact_id with the row's own id. The two statements share one
// transaction so a half-created lineage is never visible.
func (s *PostgresStore) InsertFirstVersion(ctx context.Context, item Artifact) (Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("begin first version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO artifacts (
			id, project_id, artifact_type, title, content, content_json,
			version, approval_status, is_locked, is_current, is_baseline,
			revision_type, revision_reason, created_by
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, 1, $7, FALSE, TRUE, FALSE, $8, $9, $10)
		RETURNING `+artifactColumns+`
	`, item.ID, item.ProjectID, item.Type, item.Title, item.Content, item.ContentJSON,
		StatusDraft, RevisionInitial, item.RevisionReason, item.CreatedBy)
	inserted, err := scanArtifact(row)
	if err != nil {
		return Artifact{}, fmt.Errorf("insert first version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET root_artifact_id=id WHERE id=$1
	`, inserted.ID); err != nil {
		return Artifact{}, fmt.Errorf("backfill root artifact id: %w", err)
	}
	inserted.RootArtifactID = inserted.ID

	if err := tx.Commit(); err != nil {
		return Artifact{}, fmt.Errorf("commit first version: %w", err)
	}
	return inserted, nil
}

// RevisionInput carries everything InsertRevision needs to append a new
// draft row to an existing lineage.
type RevisionInput struct {
	NewID          string
	ProjectID      string
	Type           ArtifactType
	BaseID         string
	Title          string
	Content        string
	ContentJSON    string
	RevisionType   RevisionType
	RevisionReason string
	CreatedBy      string
}

// InsertRevision appends a new draft version to the lineage of BaseID.
// Demote-current, version computation and the insert run in one
// transaction; the current row is locked with FOR UPDATE so two concurrent
// revisions against the same lineage serialize instead of both inserting a
// current row. The partial unique indexes on is_current/is_baseline reject
// any writer that slips past anyway.
func (s *PostgresStore) InsertRevision(ctx context.Context, input RevisionInput) (Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("begin revision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rootID string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(root_artifact_id, id) FROM artifacts WHERE id=$1 FOR UPDATE
	`, input.BaseID).Scan(&rootID)
	if err != nil {
		return Artifact{}, fmt.Errorf("resolve lineage root: %w", err)
	}

	var nextVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE root_artifact_id=$1 OR id=$1
	`, rootID).Scan(&nextVersion)
	if err != nil {
		return Artifact{}, fmt.Errorf("compute next version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET is_current=FALSE, updated_at=NOW()
		WHERE project_id=$1 AND artifact_type=$2 AND is_current
	`, input.ProjectID, input.Type); err != nil {
		return Artifact{}, fmt.Errorf("demote current artifact: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO artifacts (
			id, project_id, artifact_type, title, content, content_json,
			version, approval_status, is_locked, is_current, is_baseline,
			root_artifact_id, parent_artifact_id, revision_type, revision_reason, created_by
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, $7, $8, FALSE, TRUE, FALSE, $9, $10, $11, $12, $13)
		RETURNING `+artifactColumns+`
	`, input.NewID, input.ProjectID, input.Type, input.Title, input.Content, input.ContentJSON,
		nextVersion, StatusDraft, rootID, input.BaseID, input.RevisionType, input.RevisionReason, input.CreatedBy)
	inserted, err := scanArtifact(row)
	if err != nil {
		return Artifact{}, fmt.Errorf("insert revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Artifact{}, fmt.Errorf("commit revision: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateArtifactContent(ctx context.Context, artifactID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET content=$2, updated_at=NOW() WHERE id=$1
	`, artifactID, content)
	if err != nil {
		return fmt.Errorf("update artifact content: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateArtifactTitle(ctx context.Context, artifactID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET title=$2, updated_at=NOW() WHERE id=$1
	`, artifactID, title)
	if err != nil {
		return fmt.Errorf("update artifact title: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateArtifactContentJSON(ctx context.Context, artifactID, contentJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET content_json=NULLIF($2, '')::jsonb, updated_at=NOW() WHERE id=$1
	`, artifactID, contentJSON)
	if err != nil {
		return fmt.Errorf("update artifact content json: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, artifactID, submittedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET approval_status=$2, is_locked=TRUE, submitted_at=NOW(), submitted_by=$3,
			rejected_at=NULL, rejected_by=NULL, rejected_reason=NULL, updated_at=NOW()
		WHERE id=$1
	`, artifactID, StatusSubmitted, submittedBy)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkApproved(ctx context.Context, artifactID, approvedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET approval_status=$2, approved_at=NOW(), approved_by=$3, updated_at=NOW()
		WHERE id=$1
	`, artifactID, StatusApproved, approvedBy)
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkChangesRequested(ctx context.Context, artifactID, rejectedBy, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET approval_status=$2, is_locked=FALSE, rejected_at=NOW(), rejected_by=$3,
			rejected_reason=NULLIF($4, ''), updated_at=NOW()
		WHERE id=$1
	`, artifactID, StatusChangesRequested, rejectedBy, reason)
	if err != nil {
		return fmt.Errorf("mark changes requested: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRejected(ctx context.Context, artifactID, rejectedBy, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET approval_status=$2, is_locked=FALSE, rejected_at=NOW(), rejected_by=$3,
			rejected_reason=NULLIF($4, ''), updated_at=NOW()
		WHERE id=$1
	`, artifactID, StatusRejected, rejectedBy, reason)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

// PromoteBaseline retires the previous baseline of the approved row's
// lineage, demotes the approved row from current and inserts the immutable
// snapshot as the new current baseline. One transaction; the snapshot row
// is the only row left with is_current or is_baseline set.
func (s *PostgresStore) PromoteBaseline(ctx context.Context, approvedID, snapshotID string) (Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("begin baseline tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts WHERE id=$1 FOR UPDATE
	`, approvedID)
	approved, err := scanArtifact(row)
	if err != nil {
		return Artifact{}, fmt.Errorf("load approved artifact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET is_baseline=FALSE, updated_at=NOW()
		WHERE root_artifact_id=$1 AND is_baseline
	`, approved.RootArtifactID); err != nil {
		return Artifact{}, fmt.Errorf("retire prior baseline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET is_current=FALSE, updated_at=NOW()
		WHERE project_id=$1 AND artifact_type=$2 AND is_current
	`, approved.ProjectID, approved.Type); err != nil {
		return Artifact{}, fmt.Errorf("demote current for baseline: %w", err)
	}

	snapRow := tx.QueryRowContext(ctx, `
		INSERT INTO artifacts (
			id, project_id, artifact_type, title, content, content_json,
			version, approval_status, is_locked, is_current, is_baseline,
			root_artifact_id, parent_artifact_id, revision_type, created_by,
			approved_at, approved_by
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, $7, $8, TRUE, TRUE, TRUE, $9, $10, $11, $12, NOW(), $13)
		RETURNING `+artifactColumns+`
	`, snapshotID, approved.ProjectID, approved.Type, approved.Title, approved.Content, approved.ContentJSON,
		approved.Version+1, StatusApproved, approved.RootArtifactID, approved.ID, RevisionBaseline,
		approved.CreatedBy, approved.ApprovedBy)
	snapshot, err := scanArtifact(snapRow)
	if err != nil {
		return Artifact{}, fmt.Errorf("insert baseline snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Artifact{}, fmt.Errorf("commit baseline promotion: %w", err)
	}
	return snapshot, nil
}

// ---------------------------------------------------------------------------
// Approval steps and decisions

func (s *PostgresStore) ListActiveSteps(ctx context.Context, projectID string) ([]ApprovalStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, step_order, step_name, requires_all, min_approvals, is_active, created_at
		FROM approval_steps
		WHERE project_id=$1 AND is_active
		ORDER BY step_order ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list approval steps: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalStep, 0)
	for rows.Next() {
		var item ApprovalStep
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.StepOrder, &item.StepName, &item.RequiresAll, &item.MinApprovals, &item.IsActive, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval steps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertApprovalStep(ctx context.Context, step ApprovalStep) (ApprovalStep, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO approval_steps (id, project_id, step_order, step_name, requires_all, min_approvals, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, project_id, step_order, step_name, requires_all, min_approvals, is_active, created_at
	`, step.ID, step.ProjectID, step.StepOrder, step.StepName, step.RequiresAll, step.MinApprovals).Scan(
		&step.ID, &step.ProjectID, &step.StepOrder, &step.StepName, &step.RequiresAll, &step.MinApprovals, &step.IsActive, &step.CreatedAt)
	if err != nil {
		return ApprovalStep{}, fmt.Errorf("insert approval step: %w", err)
	}
	return step, nil
}

// UpsertDecision records a vote; re-voting by the same approver on the
// same step overwrites the prior row instead of duplicating it.
func (s *PostgresStore) UpsertDecision(ctx context.Context, decision ApprovalDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_decisions (artifact_id, step_id, approver_user_id, decision, reason)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (artifact_id, step_id, approver_user_id)
		DO UPDATE SET decision=EXCLUDED.decision, reason=EXCLUDED.reason, decided_at=NOW()
	`, decision.ArtifactID, decision.StepID, decision.ApproverUserID, decision.Decision, decision.Reason)
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountStepApprovals(ctx context.Context, artifactID, stepID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_decisions
		WHERE artifact_id=$1 AND step_id=$2 AND decision=$3
	`, artifactID, stepID, DecisionApproved).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count step approvals: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, artifactID string) ([]ApprovalDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, step_id, approver_user_id, decision, COALESCE(reason, ''), decided_at
		FROM approval_decisions
		WHERE artifact_id=$1
		ORDER BY decided_at ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalDecision, 0)
	for rows.Next() {
		var item ApprovalDecision
		if err := rows.Scan(&item.ArtifactID, &item.StepID, &item.ApproverUserID, &item.Decision, &item.Reason, &item.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

// DeleteDecisions clears every recorded vote for the artifact. Used on
// resubmission after changes_requested: the new cycle is a full re-vote.
func (s *PostgresStore) DeleteDecisions(ctx context.Context, artifactID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approval_decisions WHERE artifact_id=$1`, artifactID)
	if err != nil {
		return fmt.Errorf("delete decisions: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Approvers and delegations

func (s *PostgresStore) IsActiveApprover(ctx context.Context, projectID, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM project_approvers
			WHERE project_id=$1 AND user_id=$2 AND is_active
		)
	`, projectID, userID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active approver: %w", err)
	}
	return active, nil
}

func (s *PostgresStore) CountActiveApprovers(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM project_approvers WHERE project_id=$1 AND is_active
	`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active approvers: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertProjectApprover(ctx context.Context, approver ProjectApprover) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_approvers (project_id, user_id, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET is_active=EXCLUDED.is_active
	`, approver.ProjectID, approver.UserID, approver.IsActive)
	if err != nil {
		return fmt.Errorf("upsert project approver: %w", err)
	}
	return nil
}

// HasActiveDelegationTo reports whether someone delegated approval
// authority to the user for a window covering now, and that the delegator
// is themselves an active approver.
func (s *PostgresStore) HasActiveDelegationTo(ctx context.Context, projectID, userID string, now time.Time) (bool, error) {
	var covered bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM approval_delegations d
			JOIN project_approvers pa ON pa.project_id = d.project_id AND pa.user_id = d.from_user_id
			WHERE d.project_id=$1 AND d.to_user_id=$2
				AND d.starts_at <= $3 AND d.ends_at >= $3
				AND pa.is_active
		)
	`, projectID, userID, now).Scan(&covered)
	if err != nil {
		return false, fmt.Errorf("check delegation: %w", err)
	}
	return covered, nil
}

func (s *PostgresStore) InsertDelegation(ctx context.Context, delegation ApprovalDelegation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_delegations (id, project_id, from_user_id, to_user_id, starts_at, ends_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, delegation.ID, delegation.ProjectID, delegation.FromUserID, delegation.ToUserID,
		delegation.StartsAt, delegation.EndsAt, delegation.Reason)
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelegation(ctx context.Context, delegationID string) (ApprovalDelegation, error) {
	var item ApprovalDelegation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, from_user_id, to_user_id, starts_at, ends_at, COALESCE(reason, ''), created_at
		FROM approval_delegations
		WHERE id=$1
	`, delegationID).Scan(&item.ID, &item.ProjectID, &item.FromUserID, &item.ToUserID, &item.StartsAt, &item.EndsAt, &item.Reason, &item.CreatedAt)
	if err != nil {
		return ApprovalDelegation{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteDelegation(ctx context.Context, delegationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM approval_delegations WHERE id=$1`, delegationID)
	if err != nil {
		return false, fmt.Errorf("delete delegation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete delegation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDelegations(ctx context.Context, projectID string) ([]ApprovalDelegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, from_user_id, to_user_id, starts_at, ends_at, COALESCE(reason, ''), created_at
		FROM approval_delegations
		WHERE project_id=$1
		ORDER BY starts_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalDelegation, 0)
	for rows.Next() {
		var item ApprovalDelegation
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.FromUserID, &item.ToUserID, &item.StartsAt, &item.EndsAt, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegations: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Suggestions

func (s *PostgresStore) InsertSuggestion(ctx context.Context, suggestion ArtifactSuggestion) error {
	var start, end *int
	if suggestion.Range != nil {
		start = &suggestion.Range.Start
		end = &suggestion.Range.End
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifact_suggestions (id, artifact_id, actor_user_id, anchor, range_start, range_end, suggested_text, style, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`, suggestion.ID, suggestion.ArtifactID, suggestion.ActorUserID, suggestion.Anchor,
		start, end, suggestion.SuggestedText, suggestion.Style, SuggestionOpen)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID string) (ArtifactSuggestion, error) {
	var item ArtifactSuggestion
	var start, end *int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, artifact_id, actor_user_id, anchor, range_start, range_end, suggested_text, COALESCE(style, ''), status, created_at, updated_at
		FROM artifact_suggestions
		WHERE id=$1
	`, suggestionID).Scan(&item.ID, &item.ArtifactID, &item.ActorUserID, &item.Anchor, &start, &end, &item.SuggestedText, &item.Style, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ArtifactSuggestion{}, err
	}
	if start != nil && end != nil {
		item.Range = &SuggestionRange{Start: *start, End: *end}
	}
	return item, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, artifactID string) ([]ArtifactSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, artifact_id, actor_user_id, anchor, range_start, range_end, suggested_text, COALESCE(style, ''), status, created_at, updated_at
		FROM artifact_suggestions
		WHERE artifact_id=$1
		ORDER BY created_at ASC
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]ArtifactSuggestion, 0)
	for rows.Next() {
		var item ArtifactSuggestion
		var start, end *int
		if err := rows.Scan(&item.ID, &item.ArtifactID, &item.ActorUserID, &item.Anchor, &start, &end, &item.SuggestedText, &item.Style, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if start != nil && end != nil {
			item.Range = &SuggestionRange{Start: *start, End: *end}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, suggestionID string, status SuggestionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifact_suggestions SET status=$2, updated_at=NOW() WHERE id=$1
	`, suggestionID, status)
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit log

func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	before, err := json.Marshal(orEmpty(entry.Before))
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	after, err := json.Marshal(orEmpty(entry.After))
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifact_audit_log (project_id, artifact_id, actor_id, action, before, after)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
	`, entry.ProjectID, entry.ArtifactID, entry.ActorID, entry.Action, string(before), string(after))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLog(ctx context.Context, projectID, artifactID string, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, artifact_id, actor_id, action, before, after, created_at
		FROM artifact_audit_log
		WHERE project_id=$1 AND ($2='' OR artifact_id=$2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, projectID, artifactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditLogEntry, 0)
	for rows.Next() {
		var item AuditLogEntry
		var beforeRaw, afterRaw []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ArtifactID, &item.ActorID, &item.Action, &beforeRaw, &afterRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(beforeRaw, &item.Before)
		_ = json.Unmarshal(afterRaw, &item.After)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
