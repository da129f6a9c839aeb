package catalog

import (
	"database/sql"
	"fmt"

	"github.com/haldric/courselib/internal/db"
)

// Store is the data access layer for the library catalog. All writes go
// through the busy-retry helpers so concurrent scans and API reads do
// not fail on transient SQLITE_BUSY errors.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// DB exposes the underlying handle for services that run their own
// queries alongside store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetOrCreateCategory returns the category with the given name,
// creating it if missing, and reports whether this call created it.
// The stored path is refreshed on every call so a root-path change
// propagates on the next scan. The existence check cannot race another
// creator because discovery runs under the scan lock.
func (s *Store) GetOrCreateCategory(name, path string) (*Category, bool, error) {
	cat, err := s.categoryByName(name)
	if err != nil {
		return nil, false, err
	}
	if cat != nil {
		if cat.Path != path {
			if _, err := db.ExecWithRetry(s.db, `
            UPDATE categories SET path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
        `, path, cat.ID); err != nil {
				return nil, false, fmt.Errorf("failed to update category %s: %w", name, err)
			}
			cat.Path = path
		}
		return cat, false, nil
	}

	if _, err := db.ExecWithRetry(s.db, `
        INSERT INTO categories (name, path) VALUES (?, ?)
    `, name, path); err != nil {
		return nil, false, fmt.Errorf("failed to insert category %s: %w", name, err)
	}
	cat, err = s.categoryByName(name)
	if err != nil {
		return nil, false, err
	}
	return cat, true, nil
}

func (s *Store) categoryByName(name string) (*Category, error) {
	var cat Category
	err := s.db.QueryRow(`
        SELECT id, name, path, created_at, updated_at FROM categories WHERE name = ?
    `, name).Scan(&cat.ID, &cat.Name, &cat.Path, &cat.CreatedAt, &cat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load category %s: %w", name, err)
	}
	return &cat, nil
}

// GetOrCreateCourse returns the course with the given name inside a
// category, creating it if missing, and reports whether this call
// created it.
func (s *Store) GetOrCreateCourse(categoryID int64, name, path string) (*Course, bool, error) {
	course, err := s.courseByName(categoryID, name)
	if err != nil {
		return nil, false, err
	}
	if course != nil {
		if course.Path != path {
			if _, err := db.ExecWithRetry(s.db, `
            UPDATE courses SET path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
        `, path, course.ID); err != nil {
				return nil, false, fmt.Errorf("failed to update course %s: %w", name, err)
			}
			course.Path = path
		}
		return course, false, nil
	}

	if _, err := db.ExecWithRetry(s.db, `
        INSERT INTO courses (category_id, name, path) VALUES (?, ?, ?)
    `, categoryID, name, path); err != nil {
		return nil, false, fmt.Errorf("failed to insert course %s: %w", name, err)
	}
	course, err = s.courseByName(categoryID, name)
	if err != nil {
		return nil, false, err
	}
	return course, true, nil
}

func (s *Store) courseByName(categoryID int64, name string) (*Course, error) {
	var course Course
	err := s.db.QueryRow(`
        SELECT id, category_id, name, path, created_at, updated_at
        FROM courses WHERE category_id = ? AND name = ?
    `, categoryID, name).Scan(&course.ID, &course.CategoryID, &course.Name, &course.Path, &course.CreatedAt, &course.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course %s: %w", name, err)
	}
	return &course, nil
}

func (s *Store) GetCourse(id int64) (*Course, error) {
	var course Course
	err := s.db.QueryRow(`
        SELECT id, category_id, name, path, created_at, updated_at
        FROM courses WHERE id = ?
    `, id).Scan(&course.ID, &course.CategoryID, &course.Name, &course.Path, &course.CreatedAt, &course.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("course %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (s *Store) ListCategories() ([]Category, error) {
	rows, err := db.QueryWithRetry(s.db, `
        SELECT id, name, path, created_at, updated_at FROM categories ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var cat Category
		if err := rows.Scan(&cat.ID, &cat.Name, &cat.Path, &cat.CreatedAt, &cat.UpdatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, cat)
	}
	return categories, rows.Err()
}

func (s *Store) ListCourses() ([]Course, error) {
	rows, err := db.QueryWithRetry(s.db, `
        SELECT id, category_id, name, path, created_at, updated_at FROM courses ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.CategoryID, &c.Name, &c.Path, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// FileNodesByCourse loads every node of a course keyed by absolute
// path. The reconciler diffs this map against the filesystem.
func (s *Store) FileNodesByCourse(courseID int64) (map[string]*FileNode, error) {
	rows, err := db.QueryWithRetry(s.db, `
        SELECT id, course_id, parent_id, name, path, file_type, is_directory, size, created_at, updated_at
        FROM file_nodes WHERE course_id = ?
    `, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make(map[string]*FileNode)
	for rows.Next() {
		var n FileNode
		var size sql.NullInt64
		if err := rows.Scan(&n.ID, &n.CourseID, &n.ParentID, &n.Name, &n.Path, &n.FileType, &n.IsDirectory, &size, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Size = size.Int64
		nodes[n.Path] = &n
	}
	return nodes, rows.Err()
}

// InsertFileNode stores a new node and returns its id. Size is a
// file-only attribute; directories store NULL.
func (s *Store) InsertFileNode(n *FileNode) (int64, error) {
	size := sql.NullInt64{Int64: n.Size, Valid: !n.IsDirectory}
	res, err := db.ExecWithRetry(s.db, `
        INSERT INTO file_nodes (course_id, parent_id, name, path, file_type, is_directory, size)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, n.CourseID, n.ParentID, n.Name, n.Path, n.FileType, n.IsDirectory, size)
	if err != nil {
		return 0, fmt.Errorf("failed to insert file node %s: %w", n.Path, err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateFileNodeSize(id, size int64) error {
	_, err := db.ExecWithRetry(s.db, `
        UPDATE file_nodes SET size = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
    `, size, id)
	return err
}

func (s *Store) DeleteFileNode(id int64) error {
	_, err := db.ExecWithRetry(s.db, `DELETE FROM file_nodes WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteCourse(id int64) error {
	_, err := db.ExecWithRetry(s.db, `DELETE FROM courses WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteCategory(id int64) error {
	_, err := db.ExecWithRetry(s.db, `DELETE FROM categories WHERE id = ?`, id)
	return err
}

// GetSetting returns the stored value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(key, value string) error {
	_, err := db.ExecWithRetry(s.db, `
        INSERT INTO settings (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
    `, key, value)
	return err
}
