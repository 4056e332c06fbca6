// Package snapshot records content-addressed states of a code directory and
// labels each distinct state with an increasing integer tag.
//
// History is a bare git repository kept beside the code in a hidden
// directory: file contents as blobs, the directory as trees, one commit per
// tag, tags as refs/tags/<n>, plus an append-only log. Tags start at 1. A tag
// is claimed with an exclusive link so that two processes snapshotting the
// same directory never mint the same number.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// maxClaimAttempts bounds how many successive tag numbers a snapshot tries
// before giving up.
const maxClaimAttempts = 64

// Options configures a Snapshotter.
type Options struct {
	// Ignore lists doublestar globs, matched against slash-separated paths
	// relative to the snapshotted directory.
	Ignore []string
	// Workers bounds how many files are read and hashed at once.
	Workers int
}

// Entry is one captured file. Digest is its git blob id and Mode its git
// file mode.
type Entry struct {
	Path   string `json:"path"`
	Mode   uint32 `json:"mode"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Manifest lists the files of a snapshot sorted by path.
type Manifest struct {
	Entries []Entry `json:"entries"`
}

// Result reports the tag that now identifies the directory's content. Tree
// identifies the content alone; Commit also covers the parent and time.
type Result struct {
	Tag     int
	Commit  string
	Tree    string
	Changed bool
}

// Snapshotter captures directory states.
type Snapshotter struct {
	ignore  []string
	workers int
	now     func() time.Time
}

// New validates the ignore patterns and returns a Snapshotter.
func New(opts Options) (*Snapshotter, error) {
	ignore := opts.Ignore
	if ignore == nil {
		ignore = types.DefaultIgnore
	}
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: bad ignore pattern %q", types.ErrSnapshot, p)
		}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = types.DefaultSnapshotWorkers
	}
	return &Snapshotter{
		ignore:  append([]string(nil), ignore...),
		workers: workers,
		now:     time.Now,
	}, nil
}

// Snapshot captures dir and compares it with previousTag, or with the newest
// tag when previousTag is 0 or no longer exists. Identical content returns
// the compared tag with Changed false; anything else claims the next free
// tag. A directory without history starts at tag 1.
func (s *Snapshotter) Snapshot(ctx context.Context, dir string, previousTag int) (Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", types.ErrSnapshot, dir, err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s is not a directory", types.ErrSnapshot, dir)
	}

	h, err := openHistory(dir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening history of %s: %w", types.ErrSnapshot, dir, err)
	}

	manifest, err := s.capture(ctx, dir, h)
	if err != nil {
		return Result{}, fmt.Errorf("%w: capturing %s: %w", types.ErrSnapshot, dir, err)
	}
	tree, err := h.putTree(manifest.Entries)
	if err != nil {
		return Result{}, fmt.Errorf("%w: storing tree: %w", types.ErrSnapshot, err)
	}

	base, err := s.base(h, previousTag)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	if base.tag > 0 && base.tree == tree {
		return Result{Tag: base.tag, Commit: base.commit.String(), Tree: tree.String()}, nil
	}
	if head, ok := s.headMatches(h, base.tag, tree); ok {
		return Result{Tag: head.tag, Commit: head.commit.String(), Tree: tree.String(), Changed: true}, nil
	}

	created := s.now().UTC()
	commit, err := h.putCommit(tree, base.commit, created)
	if err != nil {
		return Result{}, fmt.Errorf("%w: storing commit: %w", types.ErrSnapshot, err)
	}
	claimed, minted, err := s.claim(h, commit, tree)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	res := Result{Tag: claimed.tag, Commit: claimed.commit.String(), Tree: tree.String(), Changed: true}
	if !minted {
		return res, nil
	}
	entry := LogEntry{
		Tag:       claimed.tag,
		Commit:    commit.String(),
		Tree:      tree.String(),
		Files:     len(manifest.Entries),
		CreatedAt: created,
	}
	if !base.commit.IsZero() {
		entry.Parent = base.commit.String()
	}
	if err := h.appendLog(entry); err != nil {
		return Result{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	return res, nil
}

// tagged is a tag with the commit and tree it points at.
type tagged struct {
	tag    int
	commit plumbing.Hash
	tree   plumbing.Hash
}

func (h *history) lookup(tag int) (tagged, error) {
	commit, err := h.readTag(tag)
	if err != nil {
		return tagged{}, err
	}
	tree, err := h.treeOf(commit)
	if err != nil {
		return tagged{}, err
	}
	return tagged{tag: tag, commit: commit, tree: tree}, nil
}

// base picks the tag to compare against.
func (s *Snapshotter) base(h *history, previousTag int) (tagged, error) {
	if previousTag > 0 {
		t, err := h.lookup(previousTag)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return tagged{}, fmt.Errorf("reading tag %d: %w", previousTag, err)
		}
	}
	head, err := h.head()
	if err != nil {
		return tagged{}, fmt.Errorf("listing tags: %w", err)
	}
	if head == 0 {
		return tagged{}, nil
	}
	t, err := h.lookup(head)
	if err != nil {
		return tagged{}, fmt.Errorf("reading tag %d: %w", head, err)
	}
	return t, nil
}

// headMatches reports whether a tag newer than the compared one already
// holds tree, in which case no new tag is minted.
func (s *Snapshotter) headMatches(h *history, baseTag int, tree plumbing.Hash) (tagged, bool) {
	head, err := h.head()
	if err != nil || head <= baseTag {
		return tagged{}, false
	}
	t, err := h.lookup(head)
	if err != nil || t.tree != tree {
		return tagged{}, false
	}
	return t, true
}

// claim binds commit to the lowest free tag above the current head. When a
// concurrent snapshot has just claimed a tag for the same tree, that tag is
// returned with minted false.
func (s *Snapshotter) claim(h *history, commit, tree plumbing.Hash) (tagged, bool, error) {
	head, err := h.head()
	if err != nil {
		return tagged{}, false, fmt.Errorf("listing tags: %w", err)
	}
	tag := head + 1
	for range maxClaimAttempts {
		err := h.claimTag(tag, commit)
		if err == nil {
			return tagged{tag: tag, commit: commit, tree: tree}, true, nil
		}
		if !isExist(err) {
			return tagged{}, false, fmt.Errorf("claiming tag %d: %w", tag, err)
		}
		if held, lerr := h.lookup(tag); lerr == nil && held.tree == tree {
			return held, false, nil
		}
		tag++
	}
	return tagged{}, false, fmt.Errorf("%w: no free tag after %d attempts", types.ErrConcurrency, maxClaimAttempts)
}

type fileRef struct {
	rel  string
	abs  string
	mode filemode.FileMode
}

// gitMode maps permission bits to the two file modes git records.
func gitMode(perm fs.FileMode) filemode.FileMode {
	if perm&0o111 != 0 {
		return filemode.Executable
	}
	return filemode.Regular
}

// capture walks dir, stores every captured file as a blob, and returns the
// sorted manifest.
func (s *Snapshotter) capture(ctx context.Context, dir string, h *history) (Manifest, error) {
	var files []fileRef
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == HistoryDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileRef{rel: rel, abs: path, mode: gitMode(info.Mode().Perm())})
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}

	entries := make([]Entry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			obj, err := blob(f.abs)
			if err != nil {
				return fmt.Errorf("%s: %w", f.rel, err)
			}
			id, err := h.put(obj)
			if err != nil {
				return fmt.Errorf("%s: %w", f.rel, err)
			}
			entries[i] = Entry{Path: f.rel, Mode: uint32(f.mode), Digest: id.String(), Size: obj.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return Manifest{Entries: entries}, nil
}

func (s *Snapshotter) ignored(rel string) bool {
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Tags lists the tags recorded for dir in ascending order. A directory
// without history has none.
func Tags(dir string) ([]int, error) {
	h, err := existingHistory(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	tags, err := h.tags()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	return tags, nil
}

// Resolve returns the commit and manifest a tag points at.
func Resolve(dir string, tag int) (string, Manifest, error) {
	h, err := existingHistory(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", Manifest{}, fmt.Errorf("tag %d of %s: %w", tag, dir, types.ErrNotFound)
	}
	if err != nil {
		return "", Manifest{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	commit, err := h.readTag(tag)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", Manifest{}, fmt.Errorf("tag %d of %s: %w", tag, dir, types.ErrNotFound)
	}
	if err != nil {
		return "", Manifest{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	m, err := h.manifest(commit)
	if err != nil {
		return "", Manifest{}, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	return commit.String(), m, nil
}

// Log returns the history log of dir, oldest first.
func Log(dir string) ([]LogEntry, error) {
	entries, err := (&history{root: filepath.Join(dir, HistoryDir)}).readLog()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSnapshot, err)
	}
	return entries, nil
}
