package snapshot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func newSnapshotter(t *testing.T) *Snapshotter {
	t.Helper()
	s, err := New(Options{Workers: 2})
	require.NoError(t, err)
	return s
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestSnapshotFirstTagIsOne(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"train.py": "print(1)\n"})

	res, err := newSnapshotter(t).Snapshot(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tag)
	assert.True(t, res.Changed)
	assert.Len(t, res.Commit, 40)
	assert.Len(t, res.Tree, 40)
}

func TestSnapshotUnchangedReturnsPreviousTag(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"train.py": "print(1)\n", "lib/util.py": "x = 1\n"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	again, err := s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)
	assert.Equal(t, first.Tag, again.Tag)
	assert.Equal(t, first.Commit, again.Commit)
	assert.False(t, again.Changed)

	tags, err := Tags(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, tags)
}

func TestSnapshotChangeMintsNextTag(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"train.py": "print(1)\n"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{"train.py": "print(2)\n"})
	second, err := s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Tag)
	assert.True(t, second.Changed)
	assert.NotEqual(t, first.Commit, second.Commit)

	log, err := Log(dir)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, first.Commit, log[1].Parent)
	assert.Equal(t, 1, log[1].Files)
}

func TestSnapshotRevertToOlderContentStillMintsTag(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newSnapshotter(t)

	writeTree(t, dir, map[string]string{"a.py": "v1"})
	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{"a.py": "v2"})
	_, err = s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{"a.py": "v1"})

	third, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Tag)
	assert.Equal(t, first.Tree, third.Tree)
	assert.NotEqual(t, first.Commit, third.Commit)
}

func TestSnapshotReusesNewerTagWithSameContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newSnapshotter(t)

	writeTree(t, dir, map[string]string{"a.py": "v1"})
	_, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{"a.py": "v2"})
	second, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	res, err := s.Snapshot(ctx, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, second.Tag, res.Tag)
	assert.True(t, res.Changed)

	tags, err := Tags(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, tags)
}

func TestSnapshotZeroComparesAgainstHead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "v1"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	again, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, first.Tag, again.Tag)
	assert.False(t, again.Changed)
}

func TestSnapshotIgnoresHistoryAndPatterns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "v1"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{
		"__pycache__/a.cpython-311.pyc": "bytecode",
		"pkg/__pycache__/b.pyc":         "bytecode",
		"stray.pyc":                     "bytecode",
		".git/HEAD":                     "ref",
	})
	again, err := s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, manifest, err := Resolve(dir, first.Tag)
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 1)
	assert.Equal(t, "a.py", manifest.Entries[0].Path)
}

func TestSnapshotCapturesModeChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"run.sh": "echo hi\n"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o755))

	second, err := s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)
	assert.True(t, second.Changed)
}

func TestSnapshotEmptyDirectory(t *testing.T) {
	res, err := newSnapshotter(t).Snapshot(context.Background(), t.TempDir(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tag)
}

func TestSnapshotMissingDirectory(t *testing.T) {
	_, err := newSnapshotter(t).Snapshot(context.Background(), filepath.Join(t.TempDir(), "absent"), 0)
	assert.ErrorIs(t, err, types.ErrSnapshot)
}

func TestSnapshotObjectsAreContentAddressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "same", "b.py": "same"})

	res, err := newSnapshotter(t).Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	_, manifest, err := Resolve(dir, res.Tag)
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 2)
	assert.Equal(t, manifest.Entries[0].Digest, manifest.Entries[1].Digest)
	assert.Equal(t, int64(4), manifest.Entries[0].Size)

	repo, err := git.PlainOpen(filepath.Join(dir, HistoryDir))
	require.NoError(t, err)
	b, err := repo.BlobObject(plumbing.NewHash(manifest.Entries[0].Digest))
	require.NoError(t, err)
	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "same", string(content))
}

func TestSnapshotHistoryIsGitRepository(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"train.py": "print(1)\n", "lib/util.py": "x = 1\n"})
	s := newSnapshotter(t)

	first, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{"lib/util.py": "x = 2\n"})
	second, err := s.Snapshot(ctx, dir, first.Tag)
	require.NoError(t, err)

	repo, err := git.PlainOpen(filepath.Join(dir, HistoryDir))
	require.NoError(t, err)
	ref, err := repo.Tag("2")
	require.NoError(t, err)
	assert.Equal(t, second.Commit, ref.Hash().String())

	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, second.Tree, commit.TreeHash.String())
	require.Len(t, commit.ParentHashes, 1)
	assert.Equal(t, first.Commit, commit.ParentHashes[0].String())

	f, err := commit.File("lib/util.py")
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	assert.Equal(t, "x = 2\n", content)
}

func TestSnapshotConcurrentChangesGetDistinctTags(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "v0"})
	s := newSnapshotter(t)
	_, err := s.Snapshot(ctx, dir, 0)
	require.NoError(t, err)

	h, err := openHistory(dir)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	tags := make([]int, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			commit := plumbing.ComputeHash(plumbing.CommitObject, []byte{byte(i)})
			tree := plumbing.ComputeHash(plumbing.TreeObject, []byte{byte(i)})
			var claimed tagged
			claimed, _, errs[i] = s.claim(h, commit, tree)
			tags[i] = claimed.tag
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		assert.False(t, seen[tags[i]], "tag %d claimed twice", tags[i])
		assert.Greater(t, tags[i], 1)
		seen[tags[i]] = true
	}
}

func TestResolveUnknownTag(t *testing.T) {
	dir := t.TempDir()
	_, err := newSnapshotter(t).Snapshot(context.Background(), dir, 0)
	require.NoError(t, err)

	_, _, err = Resolve(dir, 9)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTagsWithoutHistory(t *testing.T) {
	tags, err := Tags(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(Options{Ignore: []string{"[unclosed"}})
	assert.ErrorIs(t, err, types.ErrSnapshot)
}
