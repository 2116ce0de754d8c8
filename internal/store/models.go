package store

import "time"

// ArtifactType is the closed set of governed document types. Each type has
// at most one current version per project.
type ArtifactType string

const (
	TypeCharter       ArtifactType = "charter"
	TypeClosureReport ArtifactType = "closure_report"
	TypeWBS           ArtifactType = "wbs"
	TypeChangeRequest ArtifactType = "change_request"
)

func (t ArtifactType) Valid() bool {
	switch t {
	case TypeCharter, TypeClosureReport, TypeWBS, TypeChangeRequest:
		return true
	}
	return false
}

// ApprovalStatus is the workflow state of one artifact row.
type ApprovalStatus string

const (
	StatusDraft            ApprovalStatus = "draft"
	StatusSubmitted        ApprovalStatus = "submitted"
	StatusApproved         ApprovalStatus = "approved"
	StatusRejected         ApprovalStatus = "rejected"
	StatusChangesRequested ApprovalStatus = "changes_requested"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusChangesRequested:
		return true
	}
	return false
}

// Editable reports whether content edits are allowed in this status.
func (s ApprovalStatus) Editable() bool {
	switch s {
	case StatusDraft, StatusChangesRequested:
		return true
	case StatusSubmitted, StatusApproved, StatusRejected:
		return false
	}
	return false
}

// RevisionType records why a new version row was inserted.
type RevisionType string

const (
	RevisionInitial  RevisionType = "initial"
	RevisionEdit     RevisionType = "edit"
	RevisionRestore  RevisionType = "restore"
	RevisionBaseline RevisionType = "baseline"
)

// DecisionValue is an approver's recorded vote on a step.
type DecisionValue string

const (
	DecisionApproved DecisionValue = "approved"
	DecisionRejected DecisionValue = "rejected"
)

// SuggestionAnchor names the part of the artifact a suggestion targets.
type SuggestionAnchor string

const (
	AnchorTitle   SuggestionAnchor = "title"
	AnchorContent SuggestionAnchor = "content"
	AnchorGeneral SuggestionAnchor = "general"
)

func (a SuggestionAnchor) Valid() bool {
	switch a {
	case AnchorTitle, AnchorContent, AnchorGeneral:
		return true
	}
	return false
}

// ContentLike reports whether a text range can anchor into this target.
func (a SuggestionAnchor) ContentLike() bool {
	return a == AnchorContent || a == AnchorGeneral
}

// SuggestionStatus is the lifecycle of an inline-edit proposal.
type SuggestionStatus string

const (
	SuggestionOpen      SuggestionStatus = "open"
	SuggestionApplied   SuggestionStatus = "applied"
	SuggestionDismissed SuggestionStatus = "dismissed"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	IsExternal  bool
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Artifact is one row of a version lineage. Rows are append-only: a
// revision inserts a new row and flips the current/baseline flags of its
// predecessors, it never rewrites history.
type Artifact struct {
	ID               string
	ProjectID        string
	Type             ArtifactType
	Title            string
	Content          string
	ContentJSON      string
	Version          int
	ApprovalStatus   ApprovalStatus
	IsLocked         bool
	IsCurrent        bool
	IsBaseline       bool
	RootArtifactID   string
	ParentArtifactID *string
	RevisionType     RevisionType
	RevisionReason   string
	CreatedBy        string
	SubmittedAt      *time.Time
	SubmittedBy      string
	ApprovedAt       *time.Time
	ApprovedBy       string
	RejectedAt       *time.Time
	RejectedBy       string
	RejectedReason   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ApprovalStep struct {
	ID           string
	ProjectID    string
	StepOrder    int
	StepName     string
	RequiresAll  bool
	MinApprovals *int
	IsActive     bool
	CreatedAt    time.Time
}

type ApprovalDecision struct {
	ArtifactID     string
	StepID         string
	ApproverUserID string
	Decision       DecisionValue
	Reason         string
	DecidedAt      time.Time
}

type ProjectApprover struct {
	ProjectID string
	UserID    string
	IsActive  bool
	CreatedAt time.Time
}

type ApprovalDelegation struct {
	ID         string
	ProjectID  string
	FromUserID string
	ToUserID   string
	StartsAt   time.Time
	EndsAt     time.Time
	Reason     string
	CreatedAt  time.Time
}

// SuggestionRange is an optional half-open rune range [Start, End) into
// the artifact content.
type SuggestionRange struct {
	Start int
	End   int
}

type ArtifactSuggestion struct {
	ID            string
	ArtifactID    string
	ActorUserID   string
	Anchor        SuggestionAnchor
	Range         *SuggestionRange
	SuggestedText string
	Style         string
	Status        SuggestionStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditLogEntry is append-only; rows are never updated or deleted.
type AuditLogEntry struct {
	ID         int64
	ProjectID  string
	ArtifactID string
	ActorID    string
	Action     string
	Before     map[string]any
	After      map[string]any
	CreatedAt  time.Time
}
