package archivefs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/nilcache/dircache/internal/vfscore"
)

func writeTestArchive(t *testing.T, big []byte) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)

	small, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = small.Write([]byte("hello"))
	require.NoError(t, err)

	nested, err := zw.Create("sub/b.txt")
	require.NoError(t, err)
	_, err = nested.Write([]byte("nested"))
	require.NoError(t, err)

	bigW, err := zw.Create("big.bin")
	require.NoError(t, err)
	_, err = bigW.Write(big)
	require.NoError(t, err)

	require.NoError(t, zw.Close())

	return path
}

func newTestClass(t *testing.T, threshold uint64) *vfscore.Class {
	t.Helper()

	backend := New()
	backend.Options.StreamingThreshold.Store(threshold)

	return vfscore.NewClass(backend, vfscore.ClassOptions{
		Prefix: "archivefs",
		Flags:  vfscore.FlagReadonly,
	})
}

func Test_OpenArchive_BuildsTreeWithImplicitDirs(t *testing.T) {
	path := writeTestArchive(t, bytes.Repeat([]byte{'x'}, 64))
	class := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: path})
	require.NoError(t, err)

	dir, err := vfscore.Opendir(ctx, class, super, super.Root, "", 0)
	require.NoError(t, err)

	var names []string
	for {
		name, ok := vfscore.Readdir(dir)
		if !ok {
			break
		}
		names = append(names, name)
	}
	vfscore.Closedir(dir)

	require.ElementsMatch(t, []string{"a.txt", "sub", "big.bin"}, names)

	attr, err := vfscore.Stat(ctx, class, super, super.Root, "sub", 0)
	require.NoError(t, err)
	require.True(t, attr.IsDir())
}

func Test_Read_SmallMember_UsesLocalScratchFile(t *testing.T) {
	path := writeTestArchive(t, bytes.Repeat([]byte{'x'}, 64))
	class := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: path})
	require.NoError(t, err)

	h, err := vfscore.Open(ctx, class, super, super.Root, "a.txt", vfscore.OpenParams{Flags: os.O_RDONLY})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := h.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.NotEmpty(t, h.Inode.Localname)

	require.NoError(t, h.Close(ctx))
}

func Test_Read_NestedMember_ResolvesThroughImplicitDir(t *testing.T) {
	path := writeTestArchive(t, bytes.Repeat([]byte{'x'}, 64))
	class := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: path})
	require.NoError(t, err)

	h, err := vfscore.Open(ctx, class, super, super.Root, "sub/b.txt", vfscore.OpenParams{Flags: os.O_RDONLY})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := h.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "nested", string(buf[:n]))

	require.NoError(t, h.Close(ctx))
}

func Test_Read_LargeMember_UsesLinearStream(t *testing.T) {
	big := bytes.Repeat([]byte{'y'}, 8192) //nolint:mnd
	path := writeTestArchive(t, big)
	class := newTestClass(t, 16) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: path})
	require.NoError(t, err)

	h, err := vfscore.Open(ctx, class, super, super.Root, "big.bin", vfscore.OpenParams{
		Flags:  os.O_RDONLY,
		Linear: true,
	})
	require.NoError(t, err)

	got, err := io.ReadAll(readerFunc(func(p []byte) (int, error) {
		return h.Read(ctx, p)
	}))
	require.NoError(t, err)
	require.Equal(t, big, got)
	require.Empty(t, h.Inode.Localname, "linear reads must not fall back to extraction")

	require.NoError(t, h.Close(ctx))
}

func Test_Write_Rejected_OnReadonlyClass(t *testing.T) {
	path := writeTestArchive(t, bytes.Repeat([]byte{'x'}, 64))
	class := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: path})
	require.NoError(t, err)

	_, err = vfscore.Open(ctx, class, super, super.Root, "new.txt", vfscore.OpenParams{
		Flags: os.O_CREATE | os.O_WRONLY,
		Mode:  0o644, //nolint:mnd
	})
	require.ErrorIs(t, err, vfscore.ErrInvalid)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
