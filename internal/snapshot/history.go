package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
)

// HistoryDir is the directory, relative to a snapshotted tree, that holds its
// history as a bare git repository. It is never captured.
const HistoryDir = ".snapshots"

const (
	claimsDir = "claims"
	tagsRefs  = "refs/tags"
	logFile   = "log.jsonl"

	authorName  = "projectkit"
	authorEmail = "projectkit@localhost"
)

// LogEntry is one line of the history log.
type LogEntry struct {
	Tag       int       `json:"tag"`
	Commit    string    `json:"commit"`
	Tree      string    `json:"tree"`
	Parent    string    `json:"parent,omitempty"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// history is the bare repository of one snapshotted directory. Blobs, trees
// and commits are git objects; tag n is the loose ref refs/tags/<n>.
type history struct {
	root string
	repo *git.Repository

	// mu serializes object writes from the hashing workers.
	mu sync.Mutex
}

// openHistory opens the repository under dir, creating it on first use.
func openHistory(dir string) (*history, error) {
	root := filepath.Join(dir, HistoryDir)
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, true)
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			repo, err = git.PlainOpen(root)
		}
	}
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{claimsDir, tagsRefs} {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(sub)), 0o755); err != nil {
			return nil, err
		}
	}
	return &history{root: root, repo: repo}, nil
}

// existingHistory opens the repository under dir without creating it. A
// directory that was never snapshotted reports os.ErrNotExist.
func existingHistory(dir string) (*history, error) {
	root := filepath.Join(dir, HistoryDir)
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", root, os.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	return &history{root: root, repo: repo}, nil
}

// blob reads path into an in-memory blob object and computes its id.
func blob(path string) (*plumbing.MemoryObject, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.BlobObject)
	if _, err := obj.Write(content); err != nil {
		return nil, err
	}
	obj.Hash()
	return obj, nil
}

// put stores obj unless an identical object is already present.
func (h *history) put(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	id := obj.Hash()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.repo.Storer.HasEncodedObject(id) == nil {
		return id, nil
	}
	return h.repo.Storer.SetEncodedObject(obj)
}

type treeNode struct {
	files []object.TreeEntry
	dirs  map[string]*treeNode
}

// putTree writes the nested trees for entries and returns the root tree id.
func (h *history) putTree(entries []Entry) (plumbing.Hash, error) {
	root := &treeNode{dirs: map[string]*treeNode{}}
	for _, e := range entries {
		parts := strings.Split(e.Path, "/")
		n := root
		for _, dir := range parts[:len(parts)-1] {
			child, ok := n.dirs[dir]
			if !ok {
				child = &treeNode{dirs: map[string]*treeNode{}}
				n.dirs[dir] = child
			}
			n = child
		}
		n.files = append(n.files, object.TreeEntry{
			Name: parts[len(parts)-1],
			Mode: filemode.FileMode(e.Mode),
			Hash: plumbing.NewHash(e.Digest),
		})
	}
	return h.putNode(root)
}

func (h *history) putNode(n *treeNode) (plumbing.Hash, error) {
	entries := append([]object.TreeEntry(nil), n.files...)
	for name, child := range n.dirs {
		id, err := h.putNode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: id})
	}
	// git orders a directory as if its name ended in a slash.
	sort.Slice(entries, func(i, j int) bool { return sortName(entries[i]) < sortName(entries[j]) })

	obj := &plumbing.MemoryObject{}
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding tree: %w", err)
	}
	return h.put(obj)
}

func sortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// putCommit records tree with an optional parent.
func (h *history) putCommit(tree, parent plumbing.Hash, when time.Time) (plumbing.Hash, error) {
	sig := object.Signature{Name: authorName, Email: authorEmail, When: when}
	c := &object.Commit{Author: sig, Committer: sig, Message: "snapshot\n", TreeHash: tree}
	if !parent.IsZero() {
		c.ParentHashes = []plumbing.Hash{parent}
	}
	obj := &plumbing.MemoryObject{}
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	return h.put(obj)
}

// treeOf returns the tree a commit points at.
func (h *history) treeOf(commit plumbing.Hash) (plumbing.Hash, error) {
	c, err := h.repo.CommitObject(commit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("reading commit %s: %w", commit, err)
	}
	return c.TreeHash, nil
}

// manifest lists the files of commit, sorted by path.
func (h *history) manifest(commit plumbing.Hash) (Manifest, error) {
	c, err := h.repo.CommitObject(commit)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return Manifest{}, fmt.Errorf("reading tree of %s: %w", commit, err)
	}
	var m Manifest
	err = tree.Files().ForEach(func(f *object.File) error {
		m.Entries = append(m.Entries, Entry{
			Path:   f.Name,
			Mode:   uint32(f.Mode),
			Digest: f.Hash.String(),
			Size:   f.Size,
		})
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	return m, nil
}

// tags returns every claimed tag in ascending order.
func (h *history) tags() ([]int, error) {
	refs, err := h.repo.Tags()
	if err != nil {
		return nil, err
	}
	var out []int
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if n, err := strconv.Atoi(ref.Name().Short()); err == nil && n >= 1 {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(out)
	return out, nil
}

func (h *history) head() (int, error) {
	tags, err := h.tags()
	if err != nil || len(tags) == 0 {
		return 0, err
	}
	return tags[len(tags)-1], nil
}

// readTag returns the commit a tag points at. A missing tag reports
// plumbing.ErrReferenceNotFound.
func (h *history) readTag(tag int) (plumbing.Hash, error) {
	ref, err := h.repo.Reference(plumbing.NewTagReferenceName(strconv.Itoa(tag)), false)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// claimTag binds tag to commit. go-git writes refs without an exclusive
// create, so the loose ref is written in full under a private name and then
// hard-linked into refs/tags. The link fails with os.ErrExist when another
// process already holds the number, and readers never see a partial ref.
func (h *history) claimTag(tag int, commit plumbing.Hash) error {
	tmpName := filepath.Join(h.root, claimsDir, uuid.NewString())
	if err := os.WriteFile(tmpName, []byte(commit.String()+"\n"), 0o644); err != nil {
		return err
	}
	defer os.Remove(tmpName)
	return os.Link(tmpName, filepath.Join(h.root, filepath.FromSlash(tagsRefs), strconv.Itoa(tag)))
}

func (h *history) appendLog(e LogEntry) error {
	return appendJSONL(filepath.Join(h.root, logFile), e)
}

func (h *history) readLog() ([]LogEntry, error) {
	records, err := readJSONL(filepath.Join(h.root, logFile))
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(records))
	for _, r := range records {
		var e LogEntry
		if err := json.Unmarshal(r, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func isExist(err error) bool {
	return errors.Is(err, os.ErrExist)
}
