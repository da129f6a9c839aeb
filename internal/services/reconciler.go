package services

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/security"
)

// Reconciler diffs one course directory against its stored file nodes.
// It never touches nodes of other courses, so per-course reconciles are
// safe to run back to back.
type Reconciler struct {
	store  *catalog.Store
	policy *security.Policy
	sink   ErrorSink
	beat   func()
}

func NewReconciler(store *catalog.Store, policy *security.Policy, sink ErrorSink) *Reconciler {
	return &Reconciler{store: store, policy: policy, sink: sink}
}

// SetHeartbeat installs a liveness callback invoked periodically during
// long passes so the task monitor does not kill a slow but healthy
// reconcile.
func (r *Reconciler) SetHeartbeat(fn func()) {
	r.beat = fn
}

// heartbeatEvery is how many processed entries pass between liveness
// callbacks.
const heartbeatEvery = 100

func (r *Reconciler) beatAt(i int) {
	if r.beat != nil && i%heartbeatEvery == 0 {
		r.beat()
	}
}

type walkedEntry struct {
	path  string
	name  string
	isDir bool
	size  int64
}

// ReconcileCourse walks the course directory and converges the stored
// tree onto what the filesystem contains. Directories are processed
// before files so every file can resolve its parent node, and nodes no
// longer present on disk are removed at the end. Running it twice
// without filesystem changes is a no-op.
func (r *Reconciler) ReconcileCourse(ctx context.Context, course *catalog.Course, rootPath string) (catalog.ReconcileCounts, error) {
	var counts catalog.ReconcileCounts

	existing, err := r.store.FileNodesByCourse(course.ID)
	if err != nil {
		return counts, err
	}

	dirs, files, err := r.enumerate(ctx, course.Path, rootPath)
	if err != nil {
		return counts, err
	}

	observed := make(map[string]bool, len(dirs)+len(files))
	// Maps every directory path seen this pass to its node id, whether
	// the node already existed or was just created. File inserts look
	// up their parent here.
	dirIDs := make(map[string]int64, len(dirs))
	for path, node := range existing {
		if node.IsDirectory {
			dirIDs[path] = node.ID
		}
	}

	// Pass 1: directories, parents before children.
	for i, d := range dirs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		r.beatAt(i)
		observed[d.path] = true
		if _, ok := existing[d.path]; ok {
			continue
		}
		parentID := r.parentFor(d.path, course.Path, dirIDs)
		id, err := r.store.InsertFileNode(&catalog.FileNode{
			CourseID:    course.ID,
			ParentID:    parentID,
			Name:        security.SanitizeFilename(d.name),
			Path:        d.path,
			FileType:    "folder",
			IsDirectory: true,
		})
		if err != nil {
			return counts, err
		}
		dirIDs[d.path] = id
		counts.Added++
	}

	// Pass 2: files.
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		r.beatAt(i)
		if err := r.policy.ValidateExtension(f.path); err != nil {
			r.sink.ReportSkip(f.path, ErrTypeExtension, err.Error())
			continue
		}
		if err := r.policy.ValidateFileSize(f.size); err != nil {
			r.sink.ReportSkip(f.path, ErrTypeFileSize, err.Error())
			continue
		}

		observed[f.path] = true
		if node, ok := existing[f.path]; ok {
			if node.Size != f.size {
				if err := r.store.UpdateFileNodeSize(node.ID, f.size); err != nil {
					return counts, err
				}
				counts.Updated++
			}
			continue
		}

		parentID := r.parentFor(f.path, course.Path, dirIDs)
		if _, err := r.store.InsertFileNode(&catalog.FileNode{
			CourseID: course.ID,
			ParentID: parentID,
			Name:     security.SanitizeFilename(f.name),
			Path:     f.path,
			FileType: security.FileTypeFor(f.path, false),
			Size:     f.size,
		}); err != nil {
			return counts, err
		}
		counts.Added++
	}

	// Deletion pass: anything stored but not observed is gone from
	// disk. Deepest paths first so children go before their parents.
	var stale []*catalog.FileNode
	for path, node := range existing {
		if !observed[path] {
			stale = append(stale, node)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return strings.Count(stale[i].Path, string(filepath.Separator)) > strings.Count(stale[j].Path, string(filepath.Separator))
	})
	for i, node := range stale {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		r.beatAt(i)
		if err := r.store.DeleteFileNode(node.ID); err != nil {
			return counts, err
		}
		counts.Removed++
	}

	return counts, nil
}

// enumerate walks the course tree once and splits entries into
// directories and files. Entries escaping the root (symlinks pointing
// elsewhere) and unreadable subtrees are reported and skipped. The
// course root itself is not an entry.
func (r *Reconciler) enumerate(ctx context.Context, coursePath, rootPath string) (dirs, files []walkedEntry, err error) {
	walkErr := filepath.WalkDir(coursePath, func(path string, d fs.DirEntry, werr error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if werr != nil {
			r.sink.ReportSkip(path, ErrTypeWalk, werr.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == coursePath {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := security.ValidatePath(path, rootPath); err != nil {
			r.sink.ReportSkip(path, ErrTypeTraversal, err.Error())
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry := walkedEntry{path: path, name: d.Name(), isDir: d.IsDir()}
		if d.IsDir() {
			dirs = append(dirs, entry)
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			if os.IsNotExist(ierr) {
				// File vanished between listing and stat.
				return nil
			}
			r.sink.ReportSkip(path, ErrTypeWalk, ierr.Error())
			return nil
		}
		entry.size = info.Size()
		files = append(files, entry)
		return nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	return dirs, files, nil
}

// parentFor resolves the node id of a path's containing directory.
// Entries directly under the course root have no parent. A missing
// parent (its directory was skipped or unreadable) degrades to a
// detached node rather than failing the whole course.
func (r *Reconciler) parentFor(path, coursePath string, dirIDs map[string]int64) *int64 {
	dir := filepath.Dir(path)
	if dir == coursePath {
		return nil
	}
	if id, ok := dirIDs[dir]; ok {
		return &id
	}
	logger.Warnf("No parent node for %s, storing as detached", path)
	r.sink.ReportSkip(path, ErrTypeOrphan, "parent directory has no node, stored without parent")
	return nil
}
