package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilcache/dircache/internal/logging"
	"github.com/nilcache/dircache/internal/vfscore"
)

type stubBackend struct {
	vfscore.NopHooks
}

func (stubBackend) OpenArchive(_ context.Context, super *vfscore.Superblock, name string, _ any) error {
	super.Name = name

	root, err := vfscore.NewInode(super, vfscore.DefaultStat(os.ModeDir|0o755))
	if err != nil {
		return err
	}
	super.Root = root

	return nil
}

func newTestDashboard(t *testing.T) (*Dashboard, *vfscore.Class) {
	t.Helper()

	class := vfscore.NewClass(stubBackend{}, vfscore.ClassOptions{Prefix: "test"})
	_, err := vfscore.OpenSuperblock(t.Context(), class, vfscore.OpenOptions{Name: "archive.zip"})
	require.NoError(t, err)

	rbuf := logging.NewRingBuffer(16, &bytes.Buffer{}) //nolint:mnd

	d, err := New(rbuf, "test-version", map[string]*vfscore.Class{"archive": class})
	require.NoError(t, err)

	return d, class
}

func Test_New_RequiresRingBufferAndClasses(t *testing.T) {
	rbuf := logging.NewRingBuffer(1, &bytes.Buffer{})

	_, err := New(nil, "v", map[string]*vfscore.Class{"a": vfscore.NewClass(stubBackend{}, vfscore.ClassOptions{})})
	require.Error(t, err)

	_, err = New(rbuf, "v", nil)
	require.Error(t, err)
}

func Test_MetricsHandler_ReportsClassCounts(t *testing.T) {
	d, _ := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	rec := httptest.NewRecorder()
	d.dashboardMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var data dashboardData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	require.Equal(t, "test-version", data.Version)
	require.Len(t, data.Classes, 1)
	require.Equal(t, "archive", data.Classes[0].Name)
	require.Equal(t, 1, data.Classes[0].Superblocks)
}

func Test_ResetHandler_ZeroesCounters(t *testing.T) {
	d, class := newTestDashboard(t)
	require.Positive(t, class.Counters().TotalInodes())

	req := httptest.NewRequest(http.MethodPost, "/reset", nil)
	rec := httptest.NewRecorder()
	d.dashboardMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(0), class.Counters().TotalInodes())
}

func Test_FlushHandler_UnknownClass_404s(t *testing.T) {
	d, _ := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodPost, "/set/flush/does-not-exist", nil)
	rec := httptest.NewRecorder()
	d.dashboardMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_DashboardHandler_RendersHTML(t *testing.T) {
	d, _ := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	d.dashboardMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dircachefs")
	require.Contains(t, rec.Body.String(), "archive")
}
