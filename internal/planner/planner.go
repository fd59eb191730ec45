// Package planner computes the ordered set of changes needed to move
// a current-state model.Root to a desired-state model.Root. It never
// touches the control filesystem; internal/engine interprets the
// returned Plan in the strict phase order.
//
// It follows a "compare two snapshots, bucket into
// added/removed/changed" idiom, generalized from flat inventories to
// the SCST domain model and extended with the LUN-by-number and
// enabled-held-aside special cases a control-fs convergence engine
// needs.
package planner

import "github.com/truenas/truenas-pyscstadmin/internal/model"

// requiresEnabledDriver lists driver-level attributes that some
// drivers only accept once already enabled, split into their own
// post-enable phase rather than the generic driver-skeleton phase.
var requiresEnabledDriver = map[string]bool{
	"dedicated_session": true,
}

// AttrUpdate is one attribute whose desired value differs from current.
type AttrUpdate struct {
	Key   string
	Value string
}

// DeviceChange describes one device-level add, remove, or update.
type DeviceChange struct {
	Handler string
	Name    string
	Device  *model.Device // set for Add only
	Updates []AttrUpdate  // set for Update only
}

// TargetRef names a target by its owning driver.
type TargetRef struct {
	Driver string
	Target string
}

// GroupRef names an initiator group by its owning driver/target.
type GroupRef struct {
	Driver string
	Target string
	Group  string
}

// LUNChange describes one LUN add, remove, or update within a default
// target LUN set or an initiator group's LUN set.
type LUNChange struct {
	Driver  string
	Target  string
	Group   string // "" for the target's default LUN set
	Number  int
	LUN     *model.LUN   // set for Add, and for Update (device unchanged, carried for command building)
	Updates []AttrUpdate // set for Update only
}

// TargetRefChange describes one target-group member add/remove/update
// inside a device group's target group.
type TargetRefChange struct {
	DeviceGroup string
	TargetGroup string
	Driver      string
	Target      string
	Ref         *model.TargetRef // set for Add only
	Updates     []AttrUpdate     // set for Update only (rel_tgt_id, preferred)
}

// EnabledState records a surviving target or driver's desired enabled
// flag, held aside from its attribute updates: enabling is done in
// the engine's dedicated final phase rather than as a generic attribute
// write.
type EnabledState struct {
	Driver  string
	Target  string // "" for a driver-level entry
	Enabled bool
}

// Plan is the full set of changes, grouped by convergence phase.
// Fields within each slice are in desired-model insertion order for
// adds/updates, and reverse insertion order for removals.
type Plan struct {
	// Phase 1: conflict removal, in reverse-dependency order.
	DeviceGroupRemovals []string
	TargetGroupMemberRemovals []TargetRefChange
	GroupLUNRemovals    []LUNChange
	DefaultLUNRemovals  []LUNChange
	TargetRemovals      []TargetRef
	GroupRemovals       []GroupRef
	DriverRemovals      []string
	DeviceRemovals      []DeviceChange

	// Phase 2: devices.
	DeviceAdds    []DeviceChange
	DeviceUpdates []DeviceChange

	// Phase 3: driver/target skeleton.
	DriverAdds        []string
	DriverAttrUpdates []DeviceChange // Handler field unused; Name = driver name
	TargetAdds        []TargetAdd
	TargetAttrUpdates []TargetAttrUpdateItem
	GroupAdds         []GroupAdd

	// Phase 4: LUN assignments.
	DefaultLUNAdds    []LUNChange
	DefaultLUNUpdates []LUNChange
	GroupLUNAdds      []LUNChange
	GroupLUNUpdates   []LUNChange

	// Phase 5: copy-manager pruning.
	CopyManagerLUNRemovals []int

	// Phase 6: device groups.
	DeviceGroupAdds        []string
	DeviceGroupDeviceAdds  []DGDeviceRef
	TargetGroupAdds        []DGTargetGroupRef
	TargetGroupMemberAdds   []TargetRefChange
	TargetGroupMemberUpdates []TargetRefChange

	// Phase 7/8: enable.
	TargetEnables []EnabledState
	DriverEnables []EnabledState

	// Phase 9: driver attributes that require an already-enabled driver.
	DriverPostEnableAttrUpdates []DeviceChange
}

// TargetAdd is a new target's full skeleton (name, attrs minus
// enabled, default LUN set and groups are handled by later phases).
type TargetAdd struct {
	Driver string
	Target *model.Target
}

// TargetAttrUpdateItem is an attribute delta on an existing target,
// excluding "enabled" (held aside, see EnabledState).
type TargetAttrUpdateItem struct {
	Driver  string
	Target  string
	Updates []AttrUpdate
}

// GroupAdd is a new initiator group's skeleton (name and initiator
// list); its LUN set is handled by phase 4.
type GroupAdd struct {
	Driver string
	Target string
	Group  *model.InitiatorGroup
}

// DGDeviceRef names one device-group membership.
type DGDeviceRef struct {
	DeviceGroup string
	Device      string
}

// DGTargetGroupRef names one device-group's target-group skeleton.
type DGTargetGroupRef struct {
	DeviceGroup string
	TargetGroup string
}

// Diff computes the Plan to move current to desired.
func Diff(desired, current *model.Root) *Plan {
	p := &Plan{}
	diffDevices(p, desired, current)
	diffDriversAndTargets(p, desired, current)
	diffDeviceGroups(p, desired, current)
	diffCopyManager(p, desired, current)
	return p
}

func diffDevices(p *Plan, desired, current *model.Root) {
	currentOwner := map[string]string{} // device name -> handler name
	currentDevice := map[string]*model.Device{}
	for _, h := range current.Handlers {
		for _, d := range h.Devices {
			currentOwner[d.Name] = h.Name
			currentDevice[d.Name] = d
		}
	}
	desiredOwner := map[string]string{}
	for _, h := range desired.Handlers {
		for _, d := range h.Devices {
			desiredOwner[d.Name] = h.Name
		}
	}

	// Removals: gone entirely, or present under a different handler
	// (a device-type mismatch is remove-from-old + add-to-new).
	for _, h := range reverseHandlers(current.Handlers) {
		for _, d := range reverseDevices(h.Devices) {
			newHandler, stillDesired := desiredOwner[d.Name]
			if !stillDesired || newHandler != h.Name {
				p.DeviceRemovals = append(p.DeviceRemovals, DeviceChange{Handler: h.Name, Name: d.Name})
			}
		}
	}

	// Adds and updates, in desired insertion order.
	for _, h := range desired.Handlers {
		for _, d := range h.Devices {
			oldHandler, existed := currentOwner[d.Name]
			if !existed || oldHandler != h.Name {
				p.DeviceAdds = append(p.DeviceAdds, DeviceChange{Handler: h.Name, Name: d.Name, Device: d})
				continue
			}
			updates := attrDeltas(d.Attrs, currentDevice[d.Name].Attrs, nil)
			if len(updates) > 0 {
				p.DeviceUpdates = append(p.DeviceUpdates, DeviceChange{Handler: h.Name, Name: d.Name, Updates: updates})
			}
		}
	}
}

func diffDriversAndTargets(p *Plan, desired, current *model.Root) {
	currentDriver := map[string]*model.Driver{}
	for _, d := range current.Drivers {
		currentDriver[d.Name] = d
	}
	desiredDriver := map[string]*model.Driver{}
	for _, d := range desired.Drivers {
		desiredDriver[d.Name] = d
	}

	// Removals in reverse order: targets and groups before their driver.
	// copy_manager is handled exclusively by diffCopyManager: it is
	// auto-created by the subsystem and its driver/target skeleton is
	// never added or removed .
	for _, cd := range reverseDrivers(current.Drivers) {
		if cd.Name == model.CopyManagerDriver {
			continue
		}
		dd, stillDesired := desiredDriver[cd.Name]
		if !stillDesired {
			for _, t := range reverseTargets(cd.Targets) {
				diffRemoveTargetContents(p, cd.Name, t)
				p.TargetRemovals = append(p.TargetRemovals, TargetRef{Driver: cd.Name, Target: t.Name})
			}
			p.DriverRemovals = append(p.DriverRemovals, cd.Name)
			continue
		}
		diffTargetRemovals(p, cd.Name, cd.Targets, dd.Targets)
	}

	for _, dd := range desired.Drivers {
		if dd.Name == model.CopyManagerDriver {
			continue
		}
		cd, existed := currentDriver[dd.Name]
		if !existed {
			p.DriverAdds = append(p.DriverAdds, dd.Name)
		} else {
			updates := attrDeltas(dd.Attrs, cd.Attrs, []string{"enabled"})
			var early, late []AttrUpdate
			for _, u := range updates {
				if requiresEnabledDriver[u.Key] {
					late = append(late, u)
				} else {
					early = append(early, u)
				}
			}
			if len(early) > 0 {
				p.DriverAttrUpdates = append(p.DriverAttrUpdates, DeviceChange{Name: dd.Name, Updates: early})
			}
			if len(late) > 0 {
				p.DriverPostEnableAttrUpdates = append(p.DriverPostEnableAttrUpdates, DeviceChange{Name: dd.Name, Updates: late})
			}
		}
		p.DriverEnables = append(p.DriverEnables, EnabledState{Driver: dd.Name, Enabled: dd.Attrs.Enabled()})

		var currentTargets []*model.Target
		if existed {
			currentTargets = cd.Targets
		}
		diffTargets(p, dd.Name, dd.Targets, currentTargets)
	}
}

func diffRemoveTargetContents(p *Plan, driver string, t *model.Target) {
	for _, g := range reverseGroups(t.InitiatorGroups) {
		for _, l := range reverseLUNs(g.LUNs.All()) {
			p.GroupLUNRemovals = append(p.GroupLUNRemovals, LUNChange{Driver: driver, Target: t.Name, Group: g.Name, Number: l.Number})
		}
		p.GroupRemovals = append(p.GroupRemovals, GroupRef{Driver: driver, Target: t.Name, Group: g.Name})
	}
	for _, l := range reverseLUNs(t.LUNs.All()) {
		p.DefaultLUNRemovals = append(p.DefaultLUNRemovals, LUNChange{Driver: driver, Target: t.Name, Number: l.Number})
	}
}

func diffTargetRemovals(p *Plan, driver string, currentTargets, desiredTargets []*model.Target) {
	desiredByName := map[string]*model.Target{}
	for _, t := range desiredTargets {
		desiredByName[t.Name] = t
	}
	for _, t := range reverseTargets(currentTargets) {
		if _, stillDesired := desiredByName[t.Name]; stillDesired {
			continue
		}
		diffRemoveTargetContents(p, driver, t)
		p.TargetRemovals = append(p.TargetRemovals, TargetRef{Driver: driver, Target: t.Name})
	}
}

func diffTargets(p *Plan, driver string, desiredTargets, currentTargets []*model.Target) {
	currentByName := map[string]*model.Target{}
	for _, t := range currentTargets {
		currentByName[t.Name] = t
	}

	for _, dt := range desiredTargets {
		ct, existed := currentByName[dt.Name]
		if !existed {
			p.TargetAdds = append(p.TargetAdds, TargetAdd{Driver: driver, Target: dt})
			diffGroupAdds(p, driver, dt.Name, dt.InitiatorGroups, nil)
			diffLUNs(p, driver, dt.Name, "", dt.LUNs.All(), nil)
			p.TargetEnables = append(p.TargetEnables, EnabledState{Driver: driver, Target: dt.Name, Enabled: dt.Attrs.Enabled()})
			continue
		}
		updates := attrDeltas(dt.Attrs, ct.Attrs, []string{"enabled"})
		if len(updates) > 0 {
			p.TargetAttrUpdates = append(p.TargetAttrUpdates, TargetAttrUpdateItem{Driver: driver, Target: dt.Name, Updates: updates})
		}
		p.TargetEnables = append(p.TargetEnables, EnabledState{Driver: driver, Target: dt.Name, Enabled: dt.Attrs.Enabled()})

		diffGroupRemovals(p, driver, dt.Name, ct.InitiatorGroups, dt.InitiatorGroups)
		diffGroupAdds(p, driver, dt.Name, dt.InitiatorGroups, ct.InitiatorGroups)
		diffLUNs(p, driver, dt.Name, "", dt.LUNs.All(), ct.LUNs.All())
	}
}

func diffGroupRemovals(p *Plan, driver, target string, current, desired []*model.InitiatorGroup) {
	desiredByName := map[string]bool{}
	for _, g := range desired {
		desiredByName[g.Name] = true
	}
	for _, g := range reverseGroups(current) {
		if desiredByName[g.Name] {
			continue
		}
		for _, l := range reverseLUNs(g.LUNs.All()) {
			p.GroupLUNRemovals = append(p.GroupLUNRemovals, LUNChange{Driver: driver, Target: target, Group: g.Name, Number: l.Number})
		}
		p.GroupRemovals = append(p.GroupRemovals, GroupRef{Driver: driver, Target: target, Group: g.Name})
	}
}

func diffGroupAdds(p *Plan, driver, target string, desired, current []*model.InitiatorGroup) {
	currentByName := map[string]*model.InitiatorGroup{}
	for _, g := range current {
		currentByName[g.Name] = g
	}
	for _, g := range desired {
		cg, existed := currentByName[g.Name]
		if !existed {
			p.GroupAdds = append(p.GroupAdds, GroupAdd{Driver: driver, Target: target, Group: g})
			diffLUNs(p, driver, target, g.Name, g.LUNs.All(), nil)
			continue
		}
		diffLUNs(p, driver, target, g.Name, g.LUNs.All(), cg.LUNs.All())
	}
}

// diffLUNs compares two LUN sets by number : same
// number + different device is one remove + one add; same number +
// same device with different attributes is an update.
func diffLUNs(p *Plan, driver, target, group string, desired, current []*model.LUN) {
	currentByNumber := map[int]*model.LUN{}
	for _, l := range current {
		currentByNumber[l.Number] = l
	}
	desiredByNumber := map[int]*model.LUN{}
	for _, l := range desired {
		desiredByNumber[l.Number] = l
	}

	var removals []LUNChange
	for i := len(current) - 1; i >= 0; i-- {
		l := current[i]
		if dl, ok := desiredByNumber[l.Number]; !ok || dl.Device != l.Device {
			removals = append(removals, LUNChange{Driver: driver, Target: target, Group: group, Number: l.Number})
		}
	}

	var adds, updates []LUNChange
	for _, l := range desired {
		cl, existed := currentByNumber[l.Number]
		switch {
		case !existed:
			adds = append(adds, LUNChange{Driver: driver, Target: target, Group: group, Number: l.Number, LUN: l})
		case cl.Device != l.Device:
			adds = append(adds, LUNChange{Driver: driver, Target: target, Group: group, Number: l.Number, LUN: l})
		default:
			if d := attrDeltas(l.Attrs, cl.Attrs, nil); len(d) > 0 {
				updates = append(updates, LUNChange{Driver: driver, Target: target, Group: group, Number: l.Number, LUN: l, Updates: d})
			}
		}
	}

	if group == "" {
		p.DefaultLUNRemovals = append(p.DefaultLUNRemovals, removals...)
		p.DefaultLUNAdds = append(p.DefaultLUNAdds, adds...)
		p.DefaultLUNUpdates = append(p.DefaultLUNUpdates, updates...)
	} else {
		p.GroupLUNRemovals = append(p.GroupLUNRemovals, removals...)
		p.GroupLUNAdds = append(p.GroupLUNAdds, adds...)
		p.GroupLUNUpdates = append(p.GroupLUNUpdates, updates...)
	}
}

func diffDeviceGroups(p *Plan, desired, current *model.Root) {
	currentByName := map[string]*model.DeviceGroup{}
	for _, dg := range current.DeviceGroups {
		currentByName[dg.Name] = dg
	}
	desiredByName := map[string]bool{}
	for _, dg := range desired.DeviceGroups {
		desiredByName[dg.Name] = true
	}

	for i := len(current.DeviceGroups) - 1; i >= 0; i-- {
		dg := current.DeviceGroups[i]
		if !desiredByName[dg.Name] {
			for j := len(dg.TargetGroups) - 1; j >= 0; j-- {
				tg := dg.TargetGroups[j]
				for k := len(tg.Targets) - 1; k >= 0; k-- {
					ref := tg.Targets[k]
					p.TargetGroupMemberRemovals = append(p.TargetGroupMemberRemovals, TargetRefChange{
						DeviceGroup: dg.Name, TargetGroup: tg.Name, Driver: ref.Driver, Target: ref.Target,
					})
				}
			}
			p.DeviceGroupRemovals = append(p.DeviceGroupRemovals, dg.Name)
		}
	}

	for _, dg := range desired.DeviceGroups {
		cdg, existed := currentByName[dg.Name]
		if !existed {
			p.DeviceGroupAdds = append(p.DeviceGroupAdds, dg.Name)
			for _, dn := range dg.Devices {
				p.DeviceGroupDeviceAdds = append(p.DeviceGroupDeviceAdds, DGDeviceRef{DeviceGroup: dg.Name, Device: dn})
			}
			for _, tg := range dg.TargetGroups {
				p.TargetGroupAdds = append(p.TargetGroupAdds, DGTargetGroupRef{DeviceGroup: dg.Name, TargetGroup: tg.Name})
				for _, ref := range tg.Targets {
					p.TargetGroupMemberAdds = append(p.TargetGroupMemberAdds, TargetRefChange{
						DeviceGroup: dg.Name, TargetGroup: tg.Name, Driver: ref.Driver, Target: ref.Target, Ref: ref,
					})
				}
			}
			continue
		}

		existingDevices := map[string]bool{}
		for _, dn := range cdg.Devices {
			existingDevices[dn] = true
		}
		for _, dn := range dg.Devices {
			if !existingDevices[dn] {
				p.DeviceGroupDeviceAdds = append(p.DeviceGroupDeviceAdds, DGDeviceRef{DeviceGroup: dg.Name, Device: dn})
			}
		}

		currentTG := map[string]*model.TargetGroup{}
		for _, tg := range cdg.TargetGroups {
			currentTG[tg.Name] = tg
		}
		for _, tg := range dg.TargetGroups {
			ctg, tgExisted := currentTG[tg.Name]
			if !tgExisted {
				p.TargetGroupAdds = append(p.TargetGroupAdds, DGTargetGroupRef{DeviceGroup: dg.Name, TargetGroup: tg.Name})
				for _, ref := range tg.Targets {
					p.TargetGroupMemberAdds = append(p.TargetGroupMemberAdds, TargetRefChange{
						DeviceGroup: dg.Name, TargetGroup: tg.Name, Driver: ref.Driver, Target: ref.Target, Ref: ref,
					})
				}
				continue
			}
			currentRefs := map[string]*model.TargetRef{}
			for _, r := range ctg.Targets {
				currentRefs[r.Driver+":"+r.Target] = r
			}
			for _, ref := range tg.Targets {
				key := ref.Driver + ":" + ref.Target
				cr, refExisted := currentRefs[key]
				if !refExisted {
					p.TargetGroupMemberAdds = append(p.TargetGroupMemberAdds, TargetRefChange{
						DeviceGroup: dg.Name, TargetGroup: tg.Name, Driver: ref.Driver, Target: ref.Target, Ref: ref,
					})
					continue
				}
				if d := attrDeltas(ref.Attrs, cr.Attrs, nil); len(d) > 0 {
					p.TargetGroupMemberUpdates = append(p.TargetGroupMemberUpdates, TargetRefChange{
						DeviceGroup: dg.Name, TargetGroup: tg.Name, Driver: ref.Driver, Target: ref.Target, Updates: d,
					})
				}
			}
		}
	}
}

// diffCopyManager computes the copy-manager LUN pruning set: every LUN
// currently assigned under copy_manager_tgt whose device is not in the
// desired copy_manager_tgt default LUN set.
func diffCopyManager(p *Plan, desired, current *model.Root) {
	cmDriver, ok := current.DriverByName(model.CopyManagerDriver)
	if !ok {
		return
	}
	cmTarget, ok := cmDriver.TargetByName(model.CopyManagerTarget)
	if !ok {
		return
	}

	desiredDevices := map[string]bool{}
	if dd, ok := desired.DriverByName(model.CopyManagerDriver); ok {
		if dt, ok := dd.TargetByName(model.CopyManagerTarget); ok {
			for _, l := range dt.LUNs.All() {
				desiredDevices[l.Device] = true
			}
		}
	}

	for _, l := range reverseLUNs(cmTarget.LUNs.All()) {
		if !desiredDevices[l.Device] {
			p.CopyManagerLUNRemovals = append(p.CopyManagerLUNRemovals, l.Number)
		}
	}
}

// attrDeltas returns, in desired's insertion order, the attributes
// whose desired value differs from current (or is absent from
// current). excludeKeys are never emitted (e.g. "enabled", held aside
// by design).
func attrDeltas(desired, current *model.AttrMap, excludeKeys []string) []AttrUpdate {
	excluded := map[string]bool{}
	for _, k := range excludeKeys {
		excluded[k] = true
	}
	var out []AttrUpdate
	for _, a := range desired.Entries() {
		if excluded[a.Key] {
			continue
		}
		if cv, ok := current.Get(a.Key); !ok || cv != a.Value {
			out = append(out, AttrUpdate{Key: a.Key, Value: a.Value})
		}
	}
	return out
}

func reverseHandlers(in []*model.Handler) []*model.Handler {
	out := make([]*model.Handler, len(in))
	for i, h := range in {
		out[len(in)-1-i] = h
	}
	return out
}

func reverseDevices(in []*model.Device) []*model.Device {
	out := make([]*model.Device, len(in))
	for i, d := range in {
		out[len(in)-1-i] = d
	}
	return out
}

func reverseDrivers(in []*model.Driver) []*model.Driver {
	out := make([]*model.Driver, len(in))
	for i, d := range in {
		out[len(in)-1-i] = d
	}
	return out
}

func reverseTargets(in []*model.Target) []*model.Target {
	out := make([]*model.Target, len(in))
	for i, t := range in {
		out[len(in)-1-i] = t
	}
	return out
}

func reverseGroups(in []*model.InitiatorGroup) []*model.InitiatorGroup {
	out := make([]*model.InitiatorGroup, len(in))
	for i, g := range in {
		out[len(in)-1-i] = g
	}
	return out
}

func reverseLUNs(in []*model.LUN) []*model.LUN {
	out := make([]*model.LUN, len(in))
	for i, l := range in {
		out[len(in)-1-i] = l
	}
	return out
}
