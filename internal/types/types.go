// Package types defines the persistent data model shared across the
// orchestration core: plans, tasks, links, outputs, evaluation records,
// context snapshots, and runs. These are plain records referenced by id
// through the Store — no in-memory owning pointer graph is built, so the
// tree (parent/child) and the requires/refers DAG can both be represented
// without cycles in the Go object graph itself.
package types

import "time"

// TaskType classifies a task's role in the tree. Only atomic tasks are ever
// executed; composite and root tasks are containers whose output is derived
// by assembly.
type TaskType string

const (
	TaskTypeRoot      TaskType = "root"
	TaskTypeComposite TaskType = "composite"
	TaskTypeAtomic    TaskType = "atomic"
)

// TaskStatus is the task's lifecycle state (see the Executor's state
// machine in the Executor package doc).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// LinkKind distinguishes the hard scheduling relation (requires) from the
// advisory ones (refers, duplicates, relates_to).
type LinkKind string

const (
	LinkKindRequires    LinkKind = "requires"
	LinkKindRefers      LinkKind = "refers"
	LinkKindDuplicates  LinkKind = "duplicates"
	LinkKindRelatesTo   LinkKind = "relates_to"
)

// SectionKind identifies which candidate-gathering tier a context section
// came from. Lower PriorityTier is scored/kept first by apply_budget.
type SectionKind string

const (
	SectionKindIndex       SectionKind = "index"
	SectionKindDepRequires SectionKind = "dep_requires"
	SectionKindDepRefers   SectionKind = "dep_refers"
	SectionKindSibling     SectionKind = "sibling"
	SectionKindRetrieved   SectionKind = "retrieved"
	SectionKindManual      SectionKind = "manual"
	SectionKindMemory      SectionKind = "memory"
)

// TruncatedReason explains why a section's allowed length is shorter than
// its original length.
type TruncatedReason string

const (
	TruncatedNone        TruncatedReason = "none"
	TruncatedPerSection  TruncatedReason = "per_section"
	TruncatedTotal       TruncatedReason = "total"
	TruncatedBoth        TruncatedReason = "both"
)

// EvaluationMode names the evaluator strategy that produced a record.
type EvaluationMode string

const (
	EvaluationModeSingleJudge  EvaluationMode = "single_judge"
	EvaluationModeMultiExpert EvaluationMode = "multi_expert"
	EvaluationModeAdversarial EvaluationMode = "adversarial"
)

// Plan is a named collection of tasks produced from a single goal.
type Plan struct {
	ID        string
	Title     string
	Goal      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Meta      map[string]any
}

// Task is a unit of work in the hierarchical task tree. Invariants (enforced
// by the Store, never by callers holding pointers):
//
//	depth(root) == 0
//	task_type == root iff parent_id == nil
//	root_id is the id of the ancestor whose task_type == root
//	depth <= MAX_DEPTH (default 3; checked by the Decomposer, not the Store)
//	only atomic tasks may transition to running/completed
type Task struct {
	ID         string
	PlanID     string
	ParentID   *string
	RootID     string
	Name       string
	TaskType   TaskType
	Status     TaskStatus
	Priority   int
	Depth      int
	Position   int
	Path       string // ordered sequence of ancestor positions, e.g. "0.2.1"
	SessionID  *string
	WorkflowID *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskInput is the per-task text payload given to the Executor. Exactly one
// row exists per task.
type TaskInput struct {
	TaskID  string
	Content string
}

// TaskOutput is the latest produced artifact for a task. Historical outputs
// are retained as EvaluationRecord.ContentSnapshot, not here.
type TaskOutput struct {
	TaskID    string
	Content   string
	UpdatedAt time.Time
}

// TaskLink is a directed edge between two tasks. The primary key is
// (FromID, ToID, Kind); a link with FromID == ToID is rejected by the Store.
type TaskLink struct {
	FromID string
	ToID   string
	Kind   LinkKind
}

// EvaluationRecord is an append-only record written by an Evaluator during
// iterative execution. Records are never mutated once written.
type EvaluationRecord struct {
	ID               string
	TaskID           string
	Iteration        int
	ContentSnapshot  string
	OverallScore     float64
	DimensionScores  map[string]float64
	Suggestions      []string
	NeedsRevision    bool
	Mode             EvaluationMode
	Degraded         bool
	CreatedAt        time.Time
	Meta             map[string]any
}

// SectionMeta describes one section of an assembled context bundle.
type SectionMeta struct {
	SourceID        string
	Kind            SectionKind
	PriorityTier    int
	Length          int
	TruncatedReason TruncatedReason
	Score           *float64
}

// ContextSnapshot is an immutable, labelled record of a context bundle.
// Label is unique per task; saving again with the same label overwrites.
type ContextSnapshot struct {
	ID           string
	TaskID       string
	Label        string
	CombinedText string
	Sections     []SectionMeta
	Meta         map[string]any
	CreatedAt    time.Time
}

// Run records one /run invocation for audit purposes.
type Run struct {
	ID         string
	PlanID     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Strategy   string
	Options    map[string]any
	Status     string
}
