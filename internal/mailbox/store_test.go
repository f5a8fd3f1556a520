package mailbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "mailbox"))
	require.NoError(t, s.EnsureLayout([]string{"lark", "email"}))
	return s
}

func TestStore_EnsureLayout_CreatesPartitions(t *testing.T) {
	s := newTestStore(t)

	for _, dir := range []string{
		s.InboundDir("lark"), s.OutboundDir("lark"),
		s.ArchiveDir("email"), s.RejectedDir("email"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestStore_CreateInbound_AndRead(t *testing.T) {
	s := newTestStore(t)

	path, err := s.CreateInbound("lark", validEnvelope(), "ship it\n")
	require.NoError(t, err)
	require.Equal(t, s.InboundDir("lark"), filepath.Dir(path))
	require.Equal(t, "20260206T204530_lark_msg-001.md", filepath.Base(path))

	msg, err := s.Read(path)
	require.NoError(t, err)
	require.Equal(t, "ship it\n", msg.Body)
	require.Equal(t, path, msg.Path)
}

func TestStore_Create_RejectsInvalidEnvelope(t *testing.T) {
	s := newTestStore(t)

	env := validEnvelope()
	env.Provider = ""
	_, err := s.CreateInbound("lark", env, "body")
	require.ErrorIs(t, err, ErrMalformed)

	// Nothing half-written is left behind.
	entries, err := os.ReadDir(s.InboundDir("lark"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStore_MoveToArchive_KeepsFilename(t *testing.T) {
	s := newTestStore(t)

	path, err := s.CreateInbound("lark", validEnvelope(), "done\n")
	require.NoError(t, err)

	dest, err := s.MoveToArchive(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Base(path), filepath.Base(dest))
	require.Equal(t, s.ArchiveDir("lark"), filepath.Dir(dest))
	require.NoFileExists(t, path)
}

func TestStore_Quarantine_MovesToRejected(t *testing.T) {
	s := newTestStore(t)

	bad := filepath.Join(s.InboundDir("email"), "garbled.md")
	require.NoError(t, os.WriteFile(bad, []byte("no front matter"), 0o644))

	dest, err := s.Quarantine(bad)
	require.NoError(t, err)
	require.Equal(t, s.RejectedDir("email"), filepath.Dir(dest))
	require.NoFileExists(t, bad)
	require.FileExists(t, dest)
}

func TestStore_Providers_SkipsHiddenDirs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "inbound", ".sending"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "inbound", "_rejected"), 0o755))

	providers, err := s.Providers()
	require.NoError(t, err)
	require.Equal(t, []string{"email", "lark"}, providers)
}

func TestStore_ListOutbound_SortedAndFiltered(t *testing.T) {
	s := newTestStore(t)

	late := validEnvelope()
	late.ID = "b"
	late.Timestamp = time.Date(2026, 2, 7, 8, 0, 0, 0, time.UTC)
	_, err := s.CreateOutbound("lark", late, "second")
	require.NoError(t, err)

	early := validEnvelope()
	early.ID = "a"
	_, err = s.CreateOutbound("lark", early, "first")
	require.NoError(t, err)

	// Non-message files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.OutboundDir("lark"), "notes.txt"), []byte("x"), 0o644))

	paths, err := s.ListOutbound("lark")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Contains(t, filepath.Base(paths[0]), "20260206")
	require.Contains(t, filepath.Base(paths[1]), "20260207")
}

func TestStore_ListOutbound_MissingDirIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "never-created"))
	paths, err := s.ListOutbound("lark")
	require.NoError(t, err)
	require.Empty(t, paths)
}
