package sysfs

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

func newMemAdapter(t *testing.T) (*Adapter, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sys/kernel/scst_tgt", 0o755))
	a := New(fs, "/sys/kernel/scst_tgt", 200*time.Millisecond)
	a.Poll = time.Millisecond
	return a, fs
}

func TestReadWriteAttribute(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/threads_num", []byte("8\n"), 0o644))

	v, err := a.ReadAttribute("threads_num")
	require.NoError(t, err)
	assert.Equal(t, "8", v)

	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/enabled", []byte("0"), 0o644))
	require.NoError(t, a.WriteAttribute(context.Background(), "enabled", "1"))
	v, err = a.ReadAttribute("enabled")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestReadAttribute_MissingFile(t *testing.T) {
	a, _ := newMemAdapter(t)
	_, err := a.ReadAttribute("nope")
	require.Error(t, err)
	var pe *scsterr.PreconditionError
	require.ErrorAs(t, err, &pe)
}

func TestSubmitManagement_Success(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, fs.MkdirAll("/sys/kernel/scst_tgt/handlers/vdisk_fileio", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/handlers/vdisk_fileio/mgmt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/handlers/vdisk_fileio/last_sysfs_mgmt_res", []byte("0"), 0o644))

	err := a.SubmitManagement(context.Background(), "handlers/vdisk_fileio", "add_device d1 filename=/v/d1.img")
	require.NoError(t, err)
}

func TestSubmitManagement_Failure(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, fs.MkdirAll("/sys/kernel/scst_tgt/handlers/vdisk_fileio", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/handlers/vdisk_fileio/mgmt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/handlers/vdisk_fileio/last_sysfs_mgmt_res", []byte("-22"), 0o644))

	err := a.SubmitManagement(context.Background(), "handlers/vdisk_fileio", "add_device d1 filename=/v/d1.img")
	require.Error(t, err)
	var oe *scsterr.OperationError
	require.ErrorAs(t, err, &oe)
}

func TestSubmitManagement_TimesOutWhenResultNeverWritten(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, fs.MkdirAll("/sys/kernel/scst_tgt/handlers/vdisk_fileio", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/handlers/vdisk_fileio/mgmt", nil, 0o644))
	a.Timeout = 30 * time.Millisecond

	err := a.SubmitManagement(context.Background(), "handlers/vdisk_fileio", "add_device d1 filename=/v/d1.img")
	require.Error(t, err)
}

func TestReadAttributeTagged_StripsSingleKeyMarker(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/blocksize", []byte("512[key]"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/sys/kernel/scst_tgt/descr", []byte("literal [key] value"), 0o644))

	v, tagged, err := a.ReadAttributeTagged("blocksize")
	require.NoError(t, err)
	assert.True(t, tagged)
	assert.Equal(t, "512", v)

	v, tagged, err = a.ReadAttributeTagged("descr")
	require.NoError(t, err)
	assert.False(t, tagged)
	assert.Equal(t, "literal [key] value", v)
}

func TestListDirAndExists(t *testing.T) {
	a, fs := newMemAdapter(t)
	require.NoError(t, fs.MkdirAll("/sys/kernel/scst_tgt/handlers/vdisk_fileio/d1", 0o755))

	assert.True(t, a.Exists("handlers/vdisk_fileio"))
	assert.False(t, a.Exists("handlers/does_not_exist"))
	assert.Contains(t, a.ListDir("handlers"), "vdisk_fileio")
}
