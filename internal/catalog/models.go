package catalog

import "time"

// Category is a top-level grouping, one per first-level directory of
// the library root.
type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Course is a second-level directory inside a category. All file nodes
// belong to exactly one course.
type Course struct {
	ID         int64     `json:"id"`
	CategoryID int64     `json:"category_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileNode is a single file or directory inside a course tree.
// ParentID is nil for entries directly under the course root.
type FileNode struct {
	ID          int64     `json:"id"`
	CourseID    int64     `json:"course_id"`
	ParentID    *int64    `json:"parent_id,omitempty"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	FileType    string    `json:"file_type"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Scan status values form a small state machine. A scan starts pending,
// moves to running once the lock is held, and ends in exactly one of
// the three terminal states.
const (
	ScanStatusPending   = "pending"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusPartial   = "partial"
)

// IsTerminalStatus reports whether a scan in this status is finished.
func IsTerminalStatus(status string) bool {
	switch status {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusPartial:
		return true
	}
	return false
}

// ScanHistory is one row of the scan audit trail.
type ScanHistory struct {
	ID              int64      `json:"id"`
	StartedBy       string     `json:"started_by"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
	RootPath        string     `json:"root_path"`
	CategoriesFound int        `json:"categories_found"`
	CoursesFound    int        `json:"courses_found"`
	FilesAdded      int        `json:"files_added"`
	FilesUpdated    int        `json:"files_updated"`
	FilesRemoved    int        `json:"files_removed"`
	ErrorsCount     int        `json:"errors_count"`
	Message         string     `json:"message,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ScanError is one skipped file recorded during a scan.
type ScanError struct {
	ID        int64     `json:"id"`
	ScanID    int64     `json:"scan_id"`
	FilePath  string    `json:"file_path"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"error_message"`
	CreatedAt time.Time `json:"created_at"`
}

// LockStatus describes the scan lock singleton row.
type LockStatus struct {
	IsLocked bool       `json:"is_locked"`
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
	ScanID   *int64     `json:"scan_id,omitempty"`
}
