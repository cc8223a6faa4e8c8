package protocol

// TaskScope constrains what a delegated task is allowed to do.
type TaskScope string

const (
	ScopeExecute TaskScope = "execute"
	ScopeAnalyze TaskScope = "analyze"
	ScopeSuggest TaskScope = "suggest"
)

// ReturnFormat hints how a task's result data should be shaped.
type ReturnFormat string

const (
	ReturnFull    ReturnFormat = "full"
	ReturnSummary ReturnFormat = "summary"
	ReturnDiff    ReturnFormat = "diff"
)

// ArtifactAction describes what happened to a file as a side effect of a
// task.
type ArtifactAction string

const (
	ArtifactCreated  ArtifactAction = "created"
	ArtifactModified ArtifactAction = "modified"
	ArtifactDeleted  ArtifactAction = "deleted"
)

// TreeEntryType discriminates DirectoryTree nodes.
type TreeEntryType string

const (
	EntryFile      TreeEntryType = "file"
	EntryDirectory TreeEntryType = "directory"
)

// TaskRequest is the payload of a task_delegate envelope.
type TaskRequest struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Scope        TaskScope      `json:"scope"`
	Constraints  []string       `json:"constraints,omitempty"`
	ReturnFormat ReturnFormat   `json:"returnFormat,omitempty"`
	TimeoutMs    int64          `json:"timeout,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Artifact records a file touched as a side effect of a task.
type Artifact struct {
	Path   string         `json:"path"`
	Action ArtifactAction `json:"action"`
	Diff   string         `json:"diff,omitempty"`
}

// TaskResult is the payload of the response envelope answering a
// task_delegate.
type TaskResult struct {
	TaskID    string     `json:"taskId,omitempty"`
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	FollowUp  string     `json:"followUp,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// FileChunk is an excerpt of a file's content, possibly restricted to a
// line range, returned by a context query.
type FileChunk struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	Language  string `json:"language,omitempty"`
}

// DirectoryTree is a recursive description of a filtered directory.
type DirectoryTree struct {
	Name     string          `json:"name"`
	Type     TreeEntryType   `json:"type"`
	Children []DirectoryTree `json:"children,omitempty"`
}

// Context carries project-context information: a ranked set of file
// chunks, a directory tree, a free-text summary, or side-channel
// variables (e.g. requestId, notificationType).
type Context struct {
	Files     []FileChunk    `json:"files,omitempty"`
	Tree      *DirectoryTree `json:"tree,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}
