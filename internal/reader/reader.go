// Package reader builds a model.Root snapshot of live state by walking
// the control filesystem, collecting from several namespaces into one
// unified result and tolerating missing entries, generalized to a
// single afero.Fs-backed source with a read-attribute-or-skip idiom.
package reader

import (
	"sort"
	"strconv"
	"strings"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/sysfs"
)

// knownAttrFiles are directory entries that are never device/target/
// group names: the fixed per-level attribute and management files any
// container directory may carry alongside its named children.
var knownAttrFiles = map[string]bool{
	"mgmt": true, "enabled": true, "last_sysfs_mgmt_res": true,
	"luns": true, "ini_groups": true, "target_groups": true,
	"devices": true, "initiators": true,
}

// Read walks root's control filesystem tree and returns the current
// state as a model.Root. It is resilient to entries disappearing
// mid-walk: a child that vanishes between listing and reading is
// skipped rather than failing the whole read .
func Read(a *sysfs.Adapter) (*model.Root, error) {
	root := model.NewRoot()
	readTaggedAttrs(a, "", root.Attrs)

	seq := 0
	next := func() int { seq++; return seq }

	for _, name := range listDirNames(a, "handlers") {
		h := &model.Handler{Name: name, Kind: model.HandlerKind(name), Seq: next()}
		for _, dname := range listDirNames(a, "handlers/"+name) {
			dev := &model.Device{Name: dname, Attrs: model.NewAttrMap(), Seq: next()}
			readTaggedAttrs(a, "handlers/"+name+"/"+dname, dev.Attrs)
			h.Devices = append(h.Devices, dev)
		}
		root.Handlers = append(root.Handlers, h)
	}

	for _, dname := range listDirNames(a, "targets") {
		drv := &model.Driver{Name: dname, Attrs: model.NewAttrMap(), Seq: next()}
		readTaggedAttrs(a, "targets/"+dname, drv.Attrs)
		for _, tname := range listDirNames(a, "targets/"+dname) {
			t := &model.Target{Name: tname, Attrs: model.NewAttrMap(), Seq: next()}
			base := "targets/" + dname + "/" + tname
			readTaggedAttrs(a, base, t.Attrs)
			t.LUNs = readLUNSet(a, base+"/luns", next)

			for _, gname := range listDirNames(a, base+"/ini_groups") {
				g := &model.InitiatorGroup{Name: gname, Seq: next()}
				gbase := base + "/ini_groups/" + gname
				g.Initiators = listNames(a, gbase+"/initiators")
				g.LUNs = readLUNSet(a, gbase+"/luns", next)
				t.InitiatorGroups = append(t.InitiatorGroups, g)
			}
			drv.Targets = append(drv.Targets, t)
		}
		root.Drivers = append(root.Drivers, drv)
	}

	for _, dgname := range listDirNames(a, "device_groups") {
		dg := &model.DeviceGroup{Name: dgname, Seq: next()}
		base := "device_groups/" + dgname
		dg.Devices = listNames(a, base+"/devices")

		for _, tgname := range listDirNames(a, base+"/target_groups") {
			tg := &model.TargetGroup{Name: tgname, Seq: next()}
			tgbase := base + "/target_groups/" + tgname
			for _, refname := range listNames(a, tgbase) {
				driverName, targetName, ok := splitTargetRefName(refname)
				if !ok {
					continue
				}
				ref := &model.TargetRef{Driver: driverName, Target: targetName, Attrs: model.NewAttrMap(), Seq: next()}
				readTaggedAttrs(a, tgbase+"/"+refname, ref.Attrs)
				tg.Targets = append(tg.Targets, ref)
			}
			dg.TargetGroups = append(dg.TargetGroups, tg)
		}
		root.DeviceGroups = append(root.DeviceGroups, dg)
	}

	return root, nil
}

// listNames returns the non-attribute-file entries under rel, sorted
// for deterministic iteration (the control filesystem gives no
// ordering guarantee for directory listings). Use this only where every
// remaining entry is itself a plain name with no content of its own
// (initiator names, device-group device members) — anywhere a container
// can also hold arbitrary per-entity attribute files, use listDirNames
// instead.
func listNames(a *sysfs.Adapter, rel string) []string {
	var out []string
	for _, name := range a.ListDir(rel) {
		if knownAttrFiles[name] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// listDirNames is listNames restricted to subdirectories. Container
// directories such as targets/<driver> hold both child entities (target
// subdirectories) and driver-specific attribute files side by side, and
// an attribute name rarely collides with knownAttrFiles, so entity
// enumeration has to rule out plain files explicitly.
func listDirNames(a *sysfs.Adapter, rel string) []string {
	var out []string
	for _, name := range listNames(a, rel) {
		path := name
		if rel != "" {
			path = rel + "/" + name
		}
		if a.IsDir(path) {
			out = append(out, name)
		}
	}
	return out
}

// readTaggedAttrs reads every plain-file attribute directly under rel
// and records only those carrying the subsystem's non-default "[key]"
// marker .
func readTaggedAttrs(a *sysfs.Adapter, rel string, into *model.AttrMap) {
	for _, name := range a.ListDir(rel) {
		if knownAttrFiles[name] && name != "enabled" {
			continue // management files; "enabled" is a real attribute
		}
		path := name
		if rel != "" {
			path = rel + "/" + name
		}
		if a.IsDir(path) {
			continue // a subdirectory, not an attribute file
		}
		value, tagged, err := a.ReadAttributeTagged(path)
		if err != nil {
			continue // vanished mid-walk; caller re-reconciles
		}
		if tagged {
			into.Set(name, value)
		}
	}
}

// readLUNSet reads every numbered LUN entry under rel, each of which
// carries a "device" attribute file and zero or more tagged attrs.
func readLUNSet(a *sysfs.Adapter, rel string, next func() int) model.LUNSet {
	var set model.LUNSet
	for _, name := range listNames(a, rel) {
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		base := rel + "/" + name
		device, derr := a.ReadAttribute(base + "/device")
		if derr != nil {
			continue
		}
		lun := &model.LUN{Number: n, Device: device, Attrs: model.NewAttrMap(), Seq: next()}
		readTaggedAttrs(a, base, lun.Attrs)
		lun.Attrs.Delete("device")
		set.Add(lun)
	}
	return set
}

// splitTargetRefName parses a target-group member directory name of
// the form "<driver>:<target>" into its two parts.
func splitTargetRefName(name string) (driver, target string, ok bool) {
	i := strings.Index(name, ":")
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
