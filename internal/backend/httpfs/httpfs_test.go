package httpfs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilcache/dircache/internal/vfscore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			if r.URL.Query().Has("list") {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`[
					{"name":"small.txt","mode":420,"size":5,"modTime":"2024-01-01T00:00:00Z"},
					{"name":"big.bin","mode":420,"size":8192,"modTime":"2024-01-01T00:00:00Z"}
				]`))

				return
			}
			http.NotFound(w, r)
		case "/small.txt":
			_, _ = w.Write([]byte("hello"))
		case "/big.bin":
			_, _ = w.Write(make([]byte, 8192)) //nolint:mnd
		default:
			http.NotFound(w, r)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newTestClass(t *testing.T, threshold uint64) (*vfscore.Class, *Backend) {
	t.Helper()

	backend := New()
	backend.Options.StreamingThreshold.Store(threshold)

	class := vfscore.NewClass(backend, vfscore.ClassOptions{
		Prefix: "httpfs",
		Flags:  vfscore.FlagRemote,
	})
	backend.BindClass(class)

	return class, backend
}

func Test_DirLoad_PopulatesChildrenFromListing(t *testing.T) {
	srv := newTestServer(t)
	class, _ := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: srv.URL})
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

	require.ElementsMatch(t, []string{"small.txt", "big.bin"}, names)
}

func Test_Read_SmallFile_UsesLocalScratchCopy(t *testing.T) {
	srv := newTestServer(t)
	class, _ := newTestClass(t, 4096) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: srv.URL})
	require.NoError(t, err)

	h, err := vfscore.Open(ctx, class, super, super.Root, "small.txt", vfscore.OpenParams{Flags: os.O_RDONLY})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := h.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.NotEmpty(t, h.Inode.Localname)

	local, err := vfscore.GetLocalCopy(ctx, class, super, super.Root, "small.txt", 0)
	require.NoError(t, err)
	require.Equal(t, h.Inode.Localname, local)

	require.NoError(t, h.Close(ctx))
}

func Test_Read_LargeFile_UsesLinearStream(t *testing.T) {
	srv := newTestServer(t)
	class, _ := newTestClass(t, 16) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: srv.URL})
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
	require.Len(t, got, 8192) //nolint:mnd
	require.Empty(t, h.Inode.Localname)

	require.NoError(t, h.Close(ctx))
}

func Test_GetLocalCopy_LargeFile_MaterializesViaForceLocalCopy(t *testing.T) {
	srv := newTestServer(t)
	class, _ := newTestClass(t, 16) //nolint:mnd

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: srv.URL})
	require.NoError(t, err)

	local, err := vfscore.GetLocalCopy(ctx, class, super, super.Root, "big.bin", 0)
	require.NoError(t, err)
	require.NotEmpty(t, local)

	contents, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Len(t, contents, 8192) //nolint:mnd
}

func Test_FileStore_PutsScratchContentsBack(t *testing.T) {
	var received []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/upload.txt", func(w http.ResponseWriter, r *http.Request) {
		var err error
		received, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	class, backend := newTestClass(t, 4096) //nolint:mnd
	_ = class

	scratch, err := os.CreateTemp(t.TempDir(), "upload-*")
	require.NoError(t, err)
	_, err = scratch.WriteString("uploaded contents")
	require.NoError(t, err)
	require.NoError(t, scratch.Close())

	fh := &vfscore.Handle{Super: &vfscore.Superblock{Name: srv.URL}}
	require.NoError(t, backend.FileStore(t.Context(), fh, "/upload.txt", scratch.Name()))
	require.Equal(t, "uploaded contents", string(received))
}

func Test_DirUptodate_ExpiresAfterTTL(t *testing.T) {
	srv := newTestServer(t)
	class, backend := newTestClass(t, 4096) //nolint:mnd
	backend.Options.DirTTL.Store(int64(time.Millisecond))

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: srv.URL})
	require.NoError(t, err)

	require.False(t, backend.DirUptodate(super.Root))

	require.NoError(t, backend.DirLoad(ctx, super.Root, ""))
	require.True(t, backend.DirUptodate(super.Root))

	time.Sleep(2 * time.Millisecond) //nolint:mnd
	require.False(t, backend.DirUptodate(super.Root))
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
