package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
)

func TestLoad_DefaultsWithNoOverlay(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "scst_vdisk", p.HandlerModules[string(model.HandlerFileIO)])
	assert.Contains(t, p.Extra, "scst")
}

func TestLoad_OverlayExtendsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver_modules:\n  myproto: my_tgt_mod\nextra_modules:\n  - my_extra\n"), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my_tgt_mod", p.DriverModules["myproto"])
	assert.Equal(t, "iscsi_scst", p.DriverModules["iscsi"]) // default preserved
	assert.Contains(t, p.Extra, "my_extra")
	assert.Contains(t, p.Extra, "scst")
}

func TestLoad_MissingOverlayFileFallsBackToDefaults(t *testing.T) {
	p, err := Load("/nonexistent/path/modules.yaml")
	require.NoError(t, err)
	assert.Equal(t, "scst_vdisk", p.HandlerModules[string(model.HandlerFileIO)])
}

func TestRequiredModules_DeduplicatesAndOrders(t *testing.T) {
	root := model.NewRoot()
	root.Handlers = append(root.Handlers,
		&model.Handler{Name: "vdisk_fileio", Kind: model.HandlerFileIO},
		&model.Handler{Name: "vdisk_blockio", Kind: model.HandlerBlockIO},
	)
	root.Drivers = append(root.Drivers, &model.Driver{Name: "iscsi"})

	p, err := Load("")
	require.NoError(t, err)
	mods := p.RequiredModules(root)

	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}

	assert.Equal(t, "scst", names[0])
	assert.Contains(t, names, "scst_vdisk")
	assert.Contains(t, names, "iscsi_scst")
	// scst_vdisk backs both handlers but appears once.
	count := 0
	for _, n := range names {
		if n == "scst_vdisk" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRequiredModules_MarksArchCrc32cOptional(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	mods := p.RequiredModules(model.NewRoot())

	for _, m := range mods {
		if m.Name == "libcrc32c" {
			assert.True(t, m.Optional, "libcrc32c should be optional")
			return
		}
	}
	for _, m := range mods {
		assert.False(t, m.Name == "scst" && m.Optional, "scst must remain required")
	}
}
