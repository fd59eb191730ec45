package planner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/truenas-pyscstadmin/internal/config"
	"github.com/truenas/truenas-pyscstadmin/internal/model"
)

func mustParse(t *testing.T, text string) *model.Root {
	t.Helper()
	root, err := config.ParseText("", text)
	require.NoError(t, err)
	return root
}

func TestDiff_S1AddDeviceAndTarget(t *testing.T) {
	desired := mustParse(t, `
HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }
TARGET_DRIVER iscsi {
  TARGET iqn.x:t1 { LUN 0 d1
                    enabled 1 }
  enabled 1
}
`)
	current := model.NewRoot()

	p := Diff(desired, current)

	require.Len(t, p.DeviceAdds, 1)
	assert.Equal(t, "vdisk_fileio", p.DeviceAdds[0].Handler)
	assert.Equal(t, "d1", p.DeviceAdds[0].Name)

	require.Len(t, p.DriverAdds, 1)
	assert.Equal(t, "iscsi", p.DriverAdds[0])

	require.Len(t, p.TargetAdds, 1)
	assert.Equal(t, "iqn.x:t1", p.TargetAdds[0].Target.Name)

	require.Len(t, p.DefaultLUNAdds, 1)
	assert.Equal(t, 0, p.DefaultLUNAdds[0].Number)
	assert.Equal(t, "d1", p.DefaultLUNAdds[0].LUN.Device)

	require.Len(t, p.TargetEnables, 1)
	assert.True(t, p.TargetEnables[0].Enabled)
	require.Len(t, p.DriverEnables, 1)
	assert.True(t, p.DriverEnables[0].Enabled)

	// enabled must never leak into the generic attribute-update sets.
	for _, u := range p.TargetAttrUpdates {
		for _, a := range u.Updates {
			assert.NotEqual(t, "enabled", a.Key)
		}
	}
}

func TestDiff_S2LUNNumberSwap(t *testing.T) {
	desired := mustParse(t, `
HANDLER vdisk_fileio {
  DEVICE d1 { filename /v/d1.img }
  DEVICE d2 { filename /v/d2.img }
}
TARGET_DRIVER iscsi { TARGET iqn.x:t1 { LUN 0 d2 } }
`)
	current := mustParse(t, `
HANDLER vdisk_fileio {
  DEVICE d1 { filename /v/d1.img }
  DEVICE d2 { filename /v/d2.img }
}
TARGET_DRIVER iscsi { TARGET iqn.x:t1 { LUN 0 d1 } }
`)

	p := Diff(desired, current)

	require.Len(t, p.DefaultLUNRemovals, 1)
	assert.Equal(t, 0, p.DefaultLUNRemovals[0].Number)
	require.Len(t, p.DefaultLUNAdds, 1)
	assert.Equal(t, 0, p.DefaultLUNAdds[0].Number)
	assert.Equal(t, "d2", p.DefaultLUNAdds[0].LUN.Device)
	assert.Empty(t, p.DefaultLUNUpdates)
}

func TestDiff_S3DeviceHandlerChange(t *testing.T) {
	desired := mustParse(t, `HANDLER vdisk_blockio { DEVICE d1 { filename /dev/sdb } }`)
	current := mustParse(t, `HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }`)

	p := Diff(desired, current)

	require.Len(t, p.DeviceRemovals, 1)
	assert.Equal(t, "vdisk_fileio", p.DeviceRemovals[0].Handler)
	require.Len(t, p.DeviceAdds, 1)
	assert.Equal(t, "vdisk_blockio", p.DeviceAdds[0].Handler)
}

func TestDiff_AttributeUpdateOnExistingDevice(t *testing.T) {
	desired := mustParse(t, `HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img
    read_only 1 } }`)
	current := mustParse(t, `HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }`)

	p := Diff(desired, current)

	assert.Empty(t, p.DeviceAdds)
	assert.Empty(t, p.DeviceRemovals)
	require.Len(t, p.DeviceUpdates, 1)
	want := []AttrUpdate{{Key: "read_only", Value: "1"}}
	if diff := cmp.Diff(want, p.DeviceUpdates[0].Updates); diff != "" {
		t.Errorf("device updates mismatch (-want +got):\n%s", diff)
	}
}

func TestDiff_CopyManagerPruning(t *testing.T) {
	desired := mustParse(t, `
HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }
TARGET_DRIVER copy_manager { TARGET copy_manager_tgt { LUN 0 d1 } }
`)
	current := mustParse(t, `
HANDLER vdisk_fileio {
  DEVICE d1 { filename /v/d1.img }
  DEVICE d2 { filename /v/d2.img }
}
TARGET_DRIVER copy_manager {
  TARGET copy_manager_tgt {
    LUN 0 d1
    LUN 1 d2
  }
}
`)

	p := Diff(desired, current)
	require.Len(t, p.CopyManagerLUNRemovals, 1)
	assert.Equal(t, 1, p.CopyManagerLUNRemovals[0])
}

func TestDiff_EmptyDesiredTearsDownEverything(t *testing.T) {
	current := mustParse(t, `
HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }
TARGET_DRIVER iscsi {
  TARGET iqn.x:t1 { LUN 0 d1 }
  enabled 1
}
`)
	desired := model.NewRoot()

	p := Diff(desired, current)

	require.Len(t, p.DefaultLUNRemovals, 1)
	require.Len(t, p.TargetRemovals, 1)
	require.Len(t, p.DriverRemovals, 1)
	require.Len(t, p.DeviceRemovals, 1)
}

func TestDiff_DriverAttrUpdateSplitsOnEnabledRequirement(t *testing.T) {
	desired := mustParse(t, `
TARGET_DRIVER iscsi {
  enabled 1
  dedicated_session 1
  some_attr newval
}
`)
	current := mustParse(t, `
TARGET_DRIVER iscsi {
  enabled 1
  dedicated_session 0
  some_attr oldval
}
`)

	p := Diff(desired, current)

	require.Len(t, p.DriverAttrUpdates, 1)
	assert.Equal(t, "iscsi", p.DriverAttrUpdates[0].Name)
	require.Len(t, p.DriverAttrUpdates[0].Updates, 1)
	assert.Equal(t, "some_attr", p.DriverAttrUpdates[0].Updates[0].Key)

	require.Len(t, p.DriverPostEnableAttrUpdates, 1)
	assert.Equal(t, "iscsi", p.DriverPostEnableAttrUpdates[0].Name)
	require.Len(t, p.DriverPostEnableAttrUpdates[0].Updates, 1)
	assert.Equal(t, "dedicated_session", p.DriverPostEnableAttrUpdates[0].Updates[0].Key)

	// enabled itself is never part of either generic attribute-update set.
	for _, u := range append(p.DriverAttrUpdates, p.DriverPostEnableAttrUpdates...) {
		for _, a := range u.Updates {
			assert.NotEqual(t, "enabled", a.Key)
		}
	}
}

func TestDiff_IdempotentOnEqualModels(t *testing.T) {
	text := `
HANDLER vdisk_fileio { DEVICE d1 { filename /v/d1.img } }
TARGET_DRIVER iscsi {
  TARGET iqn.x:t1 { LUN 0 d1
                    enabled 1 }
  enabled 1
}
`
	desired := mustParse(t, text)
	current := mustParse(t, text)

	p := Diff(desired, current)

	assert.Empty(t, p.DeviceAdds)
	assert.Empty(t, p.DeviceRemovals)
	assert.Empty(t, p.DeviceUpdates)
	assert.Empty(t, p.DriverAdds)
	assert.Empty(t, p.TargetAdds)
	assert.Empty(t, p.DefaultLUNAdds)
	assert.Empty(t, p.DefaultLUNRemovals)
}
