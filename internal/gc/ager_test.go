package gc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

// Test_Ager_EvictsExpiredIdleSuperblock exercises the "external ager"
// seam named in §4.G: a superblock whose fd_usage reaches zero (stamping
// it) and which is never reopened is freed once the idle TTL elapses.
func Test_Ager_EvictsExpiredIdleSuperblock(t *testing.T) {
	ager := New(30*time.Millisecond, nil)
	defer ager.Stop()

	backend := stubBackend{}
	class := vfscore.NewClass(backend, vfscore.ClassOptions{
		Prefix:  "test",
		Stamper: ager,
	})

	ctx := t.Context()
	super, err := vfscore.OpenSuperblock(ctx, class, vfscore.OpenOptions{Name: "idle-archive"})
	require.NoError(t, err)

	h, err := vfscore.Open(ctx, class, super, super.Root, "f", vfscore.OpenParams{
		Flags: os.O_CREATE | os.O_RDWR,
		Mode:  0o644,
	})
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	require.True(t, super.Stamped(), "fd_usage reaching zero must stamp the superblock")

	require.Eventually(t, func() bool {
		return len(class.Superblocks()) == 0
	}, time.Second, 10*time.Millisecond, "idle superblock should be freed once its TTL elapses")
}
