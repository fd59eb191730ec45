package engine

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/truenas-pyscstadmin/internal/config"
	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/modules"
	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
	"github.com/truenas/truenas-pyscstadmin/internal/sysfs"
)

const testRoot = "/sys/kernel/scst_tgt"

func mustParse(t *testing.T, text string) *model.Root {
	t.Helper()
	root, err := config.ParseText("", text)
	require.NoError(t, err)
	return root
}

// seedMgmt makes dir behave like a live mgmt directory: mgmt
// accepts a write, and last_sysfs_mgmt_res already reports success so
// SubmitManagement's poll resolves on the first read.
func seedMgmt(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, testRoot+"/"+dir+"/mgmt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, testRoot+"/"+dir+"/last_sysfs_mgmt_res", []byte("0"), 0o644))
}

// seedAttr pre-creates an attribute file: WriteAttribute opens
// without O_CREATE, mirroring a real sysfs file that always exists.
func seedAttr(t *testing.T, fs afero.Fs, rel, value string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, testRoot+"/"+rel, []byte(value), 0o644))
}

func readAttr(t *testing.T, fs afero.Fs, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, testRoot+"/"+rel)
	require.NoError(t, err)
	return string(data)
}

func newTestEngine(fs afero.Fs) *Engine {
	a := sysfs.New(fs, testRoot, time.Second)
	a.Poll = time.Millisecond
	return New(a, &modules.Policy{})
}

// A freshly added target's own subtree (luns/mgmt, enabled, ...) is
// created by the kernel as a side effect of add_target, which a bare
// afero.MemMapFs can't simulate. This test only exercises the skeleton
// commands that land on the already-existing driver/handler mgmt
// files; TestConverge_LUNNumberSwap and the enable-discipline tests
// below cover phase 4, the disable/write/re-enable toggle, and phases
// 8/9 against an already-established target.
func TestConverge_AddDeviceAndTargetSkeleton(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedMgmt(t, fs, "handlers/vdisk_fileio")
	seedMgmt(t, fs, "targets/iscsi")

	desired := mustParse(t, `
HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }
TARGET_DRIVER iscsi { TARGET iqn.x:t1 { } }
`)

	eng := newTestEngine(fs)
	err := eng.Converge(context.Background(), desired)
	require.NoError(t, err)

	assert.Equal(t, "add_device d1 filename=/v/d1.img", readAttr(t, fs, "handlers/vdisk_fileio/mgmt"))
	assert.Equal(t, "add_target iqn.x:t1", readAttr(t, fs, "targets/iscsi/mgmt"))
}

func TestConverge_LUNNumberSwap(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedAttr(t, fs, "handlers/vdisk_fileio/d1/filename", "/v/d1.img[key]")
	seedAttr(t, fs, "handlers/vdisk_fileio/d2/filename", "/v/d2.img[key]")
	seedAttr(t, fs, "targets/iscsi/iqn.x:t1/luns/0/device", "d1")
	seedMgmt(t, fs, "targets/iscsi/iqn.x:t1/luns")

	desired := mustParse(t, `
HANDLER vdisk_fileio {
  DEVICE d1 { filename /v/d1.img }
  DEVICE d2 { filename /v/d2.img }
}
TARGET_DRIVER iscsi { TARGET iqn.x:t1 { LUN 0 d2 } }
`)

	eng := newTestEngine(fs)
	err := eng.Converge(context.Background(), desired)
	require.NoError(t, err)

	// Phase 1 removes LUN 0 first, phase 4 re-adds it pointing at d2;
	// the mgmt file ends up holding the last command written.
	assert.Equal(t, "add d2 0", readAttr(t, fs, "targets/iscsi/iqn.x:t1/luns/mgmt"))
}

func TestConverge_RequiresDisabledAttributeTogglesEnabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedAttr(t, fs, "targets/iscsi/iqn.x:t1/enabled", "1[key]")
	seedAttr(t, fs, "targets/iscsi/iqn.x:t1/rel_tgt_id", "1")

	var toggled []string
	// Wrap the fs to observe the order attributes are written in.
	observed := &orderTrackingFs{Fs: fs, order: &toggled}

	desired := mustParse(t, `TARGET_DRIVER iscsi { TARGET iqn.x:t1 { rel_tgt_id 2 } }`)

	a := sysfs.New(observed, testRoot, time.Second)
	a.Poll = time.Millisecond
	eng := New(a, &modules.Policy{})

	err := eng.Converge(context.Background(), desired)
	require.NoError(t, err)

	require.Equal(t, []string{"enabled", "rel_tgt_id", "enabled"}, toggled)
	assert.Equal(t, "2", readAttr(t, fs, "targets/iscsi/iqn.x:t1/rel_tgt_id"))
	assert.Equal(t, "1", readAttr(t, fs, "targets/iscsi/iqn.x:t1/enabled"), "re-enabled after the requires-disabled write")
}

func TestConverge_PostEnableDriverAttrWrittenWithoutToggle(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedAttr(t, fs, "targets/iscsi/enabled", "1[key]")
	seedAttr(t, fs, "targets/iscsi/dedicated_session", "0")

	desired := mustParse(t, `TARGET_DRIVER iscsi { enabled 1
  dedicated_session 1 }`)

	eng := newTestEngine(fs)
	err := eng.Converge(context.Background(), desired)
	require.NoError(t, err)

	assert.Equal(t, "1", readAttr(t, fs, "targets/iscsi/dedicated_session"))
	assert.Equal(t, "1", readAttr(t, fs, "targets/iscsi/enabled"), "driver was already enabled and stays enabled")
}

func TestConverge_ClearTearsDownAndPrunesCopyManagerLUNs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedAttr(t, fs, "handlers/vdisk_fileio/d1/filename", "/v/d1.img[key]")
	seedAttr(t, fs, "targets/iscsi/iqn.x:t1/luns/0/device", "d1")
	seedMgmt(t, fs, "targets/iscsi/iqn.x:t1/luns")
	seedMgmt(t, fs, "targets/iscsi")
	seedMgmt(t, fs, "handlers/vdisk_fileio")
	seedAttr(t, fs, "targets/copy_manager/copy_manager_tgt/luns/0/device", "d1")
	seedMgmt(t, fs, "targets/copy_manager/copy_manager_tgt/luns")

	eng := newTestEngine(fs)
	err := eng.Converge(context.Background(), model.NewRoot())
	require.NoError(t, err)

	assert.Equal(t, "del 0", readAttr(t, fs, "targets/iscsi/iqn.x:t1/luns/mgmt"))
	assert.Equal(t, "del_target iqn.x:t1", readAttr(t, fs, "targets/iscsi/mgmt"))
	assert.Equal(t, "del_device d1", readAttr(t, fs, "handlers/vdisk_fileio/mgmt"))
	// the empty configuration declares no copy_manager LUNs either, so
	// every LUN copy_manager currently carries is pruned along with
	// everything else, even though copy_manager itself is never removed.
	assert.Equal(t, "del 0", readAttr(t, fs, "targets/copy_manager/copy_manager_tgt/luns/mgmt"))
}

func TestConverge_AggregatesOperationErrorsAndContinues(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	seedAttr(t, fs, "handlers/vdisk_fileio/d1/filename", "/v/d1.img[key]")
	seedAttr(t, fs, "handlers/vdisk_fileio/d2/filename", "/v/d2.img[key]")
	// d1's read_only attribute file is deliberately absent, so the write fails.
	seedAttr(t, fs, "handlers/vdisk_fileio/d2/read_only", "0")

	desired := mustParse(t, `
HANDLER vdisk_fileio {
  DEVICE d1 { filename /v/d1.img
    read_only 1 }
  DEVICE d2 { filename /v/d2.img
    read_only 1 }
}
`)

	eng := newTestEngine(fs)
	err := eng.Converge(context.Background(), desired)
	require.Error(t, err)

	var partial *scsterr.PartialConvergenceError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Errors, 1)
	assert.Equal(t, "1", readAttr(t, fs, "handlers/vdisk_fileio/d2/read_only"), "d2's update still applied despite d1's failure")
}

// orderTrackingFs records the base name of every file opened for
// writing, in order, without altering behavior.
type orderTrackingFs struct {
	afero.Fs
	order *[]string
}

func (o *orderTrackingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := o.Fs.OpenFile(name, flag, perm)
	if err == nil && flag&os.O_WRONLY != 0 {
		*o.order = append(*o.order, path.Base(name))
	}
	return f, err
}
