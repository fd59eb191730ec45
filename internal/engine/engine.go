// Package engine is the convergence orchestrator: it reads live
// state, diffs it against a desired model, and applies the resulting
// plan in a strict nine-phase order, with enable/disable discipline
// and optional I/O suspension. It is single-threaded and makes one
// control-filesystem call at a time.
//
// A thin Converge method sequences collaborators and aggregates errors,
// tolerant of partial failures, generalized to the strict phase
// ordering and fatal/aggregated error split a control-fs convergence
// run requires.
package engine

import (
	"context"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/modules"
	"github.com/truenas/truenas-pyscstadmin/internal/planner"
	"github.com/truenas/truenas-pyscstadmin/internal/reader"
	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
	"github.com/truenas/truenas-pyscstadmin/internal/sysfs"
)

// requiresDisabled lists attributes that the subsystem only accepts
// while their enclosing target or driver is disabled .
// This is deliberately small and static rather than discovered at
// runtime.
var requiresDisabled = map[string]bool{
	"allowed_portal": true,
	"rel_tgt_id":     true,
	"io_grouping_type": true,
}

// Engine applies a desired model.Root to a live control filesystem.
type Engine struct {
	FS      *sysfs.Adapter
	Loader  *modules.Loader
	Policy  *modules.Policy
	Suspend bool

	result scsterr.PartialConvergenceError
}

// New returns an Engine with production defaults.
func New(fs *sysfs.Adapter, policy *modules.Policy) *Engine {
	return &Engine{FS: fs, Loader: modules.NewLoader(), Policy: policy}
}

// Converge reads current state, diffs it against desired, and applies
// the result. It returns the first fatal error, or a
// PartialConvergenceError if only aggregated operation errors
// occurred, or nil on a clean run.
func (e *Engine) Converge(ctx context.Context, desired *model.Root) error {
	if err := e.Loader.LoadAll(ctx, e.Policy.RequiredModules(desired)); err != nil {
		return err
	}

	current, err := reader.Read(e.FS)
	if err != nil {
		return err
	}

	plan := planner.Diff(desired, current)

	if e.Suspend {
		if err := e.FS.WriteAttribute(ctx, "suspend", "1"); err != nil {
			return &scsterr.PreconditionError{Msg: "failed to suspend I/O before convergence", Err: err}
		}
		defer func() {
			if err := e.FS.WriteAttribute(ctx, "suspend", "0"); err != nil {
				log.Warn().Err(err).Msg("failed to restore suspend=0 after convergence")
			}
		}()
	}

	e.result = scsterr.PartialConvergenceError{}

	phases := []func(context.Context, *planner.Plan, *model.Root) error{
		e.phase1ConflictRemoval,
		e.phase2Devices,
		e.phase3DriverTargetSkeleton,
		e.phase4LUNAssignments,
		e.phase5CopyManagerPruning,
		e.phase6DeviceGroups,
		e.phase7EnableTargets,
		e.phase8EnableDrivers,
		e.phase9PostEnableDriverAttrs,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := phase(ctx, plan, desired); err != nil {
			return err
		}
	}

	if e.result.HasErrors() {
		out := e.result
		return &out
	}
	return nil
}

// aggregate records a non-fatal operation error (removal or attribute
// update) and continues the phase rather than aborting the run.
func (e *Engine) aggregate(err error) {
	if oe, ok := scsterr.AsOperationError(err); ok {
		log.Warn().Err(oe).Msg("operation failed, continuing")
		e.result.Add(oe)
		return
	}
	log.Warn().Err(err).Msg("operation failed, continuing")
	e.result.Add(&scsterr.OperationError{Reason: "unclassified", Err: err})
}

func (e *Engine) phase1ConflictRemoval(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, dg := range p.DeviceGroupRemovals {
		if err := e.FS.SubmitManagement(ctx, "device_groups", cmdDelDeviceGroup(dg)); err != nil {
			e.aggregate(err)
		}
	}
	for _, m := range p.TargetGroupMemberRemovals {
		dir := path.Join("device_groups", m.DeviceGroup, "target_groups", m.TargetGroup)
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelTargetGroupMember(m.Driver, m.Target)); err != nil {
			e.aggregate(err)
		}
	}
	for _, l := range p.GroupLUNRemovals {
		dir := path.Join("targets", l.Driver, l.Target, "ini_groups", l.Group, "luns")
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelLUN(l.Number)); err != nil {
			e.aggregate(err)
		}
	}
	for _, l := range p.DefaultLUNRemovals {
		dir := path.Join("targets", l.Driver, l.Target, "luns")
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelLUN(l.Number)); err != nil {
			e.aggregate(err)
		}
	}
	for _, g := range p.GroupRemovals {
		dir := path.Join("targets", g.Driver, g.Target)
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelGroup(g.Group)); err != nil {
			e.aggregate(err)
		}
	}
	for _, t := range p.TargetRemovals {
		dir := path.Join("targets", t.Driver)
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelTarget(t.Target)); err != nil {
			e.aggregate(err)
		}
	}
	for _, d := range p.DriverRemovals {
		log.Debug().Str("driver", d).Msg("driver no longer desired; entities removed, directory is module-owned")
	}
	for _, d := range p.DeviceRemovals {
		dir := path.Join("handlers", d.Handler)
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelDevice(d.Name)); err != nil {
			e.aggregate(err)
		}
	}
	return nil
}

func (e *Engine) phase2Devices(ctx context.Context, p *planner.Plan, desired *model.Root) error {
	for _, d := range p.DeviceAdds {
		h, _ := desired.HandlerByName(d.Handler)
		dir := path.Join("handlers", d.Handler)
		if err := e.FS.SubmitManagement(ctx, dir, cmdAddDevice(h.Kind, d.Device)); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "submit", Reason: "add_device " + d.Name, Err: err}
		}
	}
	for _, d := range p.DeviceUpdates {
		devDir := path.Join("handlers", d.Handler, d.Name)
		if err := e.writeAttrsWithDiscipline(ctx, devDir, "", d.Updates); err != nil {
			e.aggregate(err)
		}
	}
	return nil
}

func (e *Engine) phase3DriverTargetSkeleton(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, d := range p.DriverAdds {
		log.Debug().Str("driver", d).Msg("driver directory is module-owned; created by phase-0 module load")
	}
	for _, add := range p.TargetAdds {
		dir := path.Join("targets", add.Driver)
		if err := e.FS.SubmitManagement(ctx, dir, cmdAddTarget(add.Target.Name)); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "submit", Reason: "add_target " + add.Target.Name, Err: err}
		}
		nonEnabled := attrsExcluding(add.Target.Attrs, "enabled")
		tdir := path.Join("targets", add.Driver, add.Target.Name)
		if err := e.writeAttrsWithDiscipline(ctx, tdir, add.Target.Name, nonEnabled); err != nil {
			e.aggregate(err)
		}
	}
	for _, u := range p.TargetAttrUpdates {
		tdir := path.Join("targets", u.Driver, u.Target)
		if err := e.writeAttrsWithDiscipline(ctx, tdir, u.Target, u.Updates); err != nil {
			e.aggregate(err)
		}
	}
	for _, u := range p.DriverAttrUpdates {
		ddir := path.Join("targets", u.Name)
		if err := e.writeAttrsWithDiscipline(ctx, ddir, u.Name, u.Updates); err != nil {
			e.aggregate(err)
		}
	}
	for _, g := range p.GroupAdds {
		dir := path.Join("targets", g.Driver, g.Target)
		if err := e.FS.SubmitManagement(ctx, dir, cmdCreateGroup(g.Group.Name)); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "submit", Reason: "create_group " + g.Group.Name, Err: err}
		}
		idir := path.Join("targets", g.Driver, g.Target, "ini_groups", g.Group.Name, "initiators")
		for _, init := range g.Group.Initiators {
			if err := e.FS.SubmitManagement(ctx, idir, cmdAddInitiator(init)); err != nil {
				e.aggregate(err)
			}
		}
	}
	return nil
}

func (e *Engine) phase4LUNAssignments(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	apply := func(dir string, changes []planner.LUNChange, adds bool) {
		for _, l := range changes {
			var cmd string
			if adds {
				cmd = cmdAddLUN(l.LUN.Device, l.Number, attrsExcluding(l.LUN.Attrs, ""))
			} else {
				cmd = cmdReplaceLUN(l.LUN.Device, l.Number, l.Updates)
			}
			if err := e.FS.SubmitManagement(ctx, dir, cmd); err != nil {
				e.aggregate(err)
			}
		}
	}
	for _, l := range p.DefaultLUNAdds {
		apply(path.Join("targets", l.Driver, l.Target, "luns"), []planner.LUNChange{l}, true)
	}
	for _, l := range p.DefaultLUNUpdates {
		apply(path.Join("targets", l.Driver, l.Target, "luns"), []planner.LUNChange{l}, false)
	}
	for _, l := range p.GroupLUNAdds {
		apply(path.Join("targets", l.Driver, l.Target, "ini_groups", l.Group, "luns"), []planner.LUNChange{l}, true)
	}
	for _, l := range p.GroupLUNUpdates {
		apply(path.Join("targets", l.Driver, l.Target, "ini_groups", l.Group, "luns"), []planner.LUNChange{l}, false)
	}
	return nil
}

func (e *Engine) phase5CopyManagerPruning(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	dir := path.Join("targets", model.CopyManagerDriver, model.CopyManagerTarget, "luns")
	for _, n := range p.CopyManagerLUNRemovals {
		if err := e.FS.SubmitManagement(ctx, dir, cmdDelLUN(n)); err != nil {
			e.aggregate(err)
		}
	}
	return nil
}

func (e *Engine) phase6DeviceGroups(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, dg := range p.DeviceGroupAdds {
		if err := e.FS.SubmitManagement(ctx, "device_groups", cmdCreateDeviceGroup(dg)); err != nil {
			return &scsterr.OperationError{Path: "device_groups", Verb: "submit", Reason: "create_device_group " + dg, Err: err}
		}
	}
	for _, ref := range p.DeviceGroupDeviceAdds {
		dir := path.Join("device_groups", ref.DeviceGroup, "devices")
		if err := e.FS.SubmitManagement(ctx, dir, cmdAddDGDevice(ref.Device)); err != nil {
			e.aggregate(err)
		}
	}
	for _, tg := range p.TargetGroupAdds {
		dir := path.Join("device_groups", tg.DeviceGroup, "target_groups")
		if err := e.FS.SubmitManagement(ctx, dir, cmdCreateTargetGroup(tg.TargetGroup)); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "submit", Reason: "create_target_group " + tg.TargetGroup, Err: err}
		}
	}
	for _, m := range p.TargetGroupMemberAdds {
		dir := path.Join("device_groups", m.DeviceGroup, "target_groups", m.TargetGroup)
		cmd := cmdAddTargetGroupMember(m.Driver, m.Target, attrsExcluding(m.Ref.Attrs, ""))
		if err := e.FS.SubmitManagement(ctx, dir, cmd); err != nil {
			e.aggregate(err)
		}
	}
	for _, m := range p.TargetGroupMemberUpdates {
		dir := path.Join("device_groups", m.DeviceGroup, "target_groups", m.TargetGroup, m.Driver+":"+m.Target)
		if err := e.writeAttrsWithDiscipline(ctx, dir, "", m.Updates); err != nil {
			e.aggregate(err)
		}
	}
	return nil
}

func (e *Engine) phase7EnableTargets(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, t := range p.TargetEnables {
		if !t.Enabled {
			continue
		}
		dir := path.Join("targets", t.Driver, t.Target, "enabled")
		if err := e.FS.WriteAttribute(ctx, dir, "1"); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "write", Reason: "enable target " + t.Target, Err: err}
		}
	}
	return nil
}

func (e *Engine) phase8EnableDrivers(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, d := range p.DriverEnables {
		if !d.Enabled {
			continue
		}
		dir := path.Join("targets", d.Driver, "enabled")
		if err := e.FS.WriteAttribute(ctx, dir, "1"); err != nil {
			return &scsterr.OperationError{Path: dir, Verb: "write", Reason: "enable driver " + d.Driver, Err: err}
		}
	}
	return nil
}

func (e *Engine) phase9PostEnableDriverAttrs(ctx context.Context, p *planner.Plan, _ *model.Root) error {
	for _, u := range p.DriverPostEnableAttrUpdates {
		dir := path.Join("targets", u.Name)
		for _, a := range u.Updates {
			if err := e.FS.WriteAttribute(ctx, path.Join(dir, a.Key), a.Value); err != nil {
				e.aggregate(&scsterr.OperationError{Path: dir, Verb: "write", Reason: "post-enable attr " + a.Key, Err: err})
			}
		}
	}
	return nil
}

// writeAttrsWithDiscipline writes each attribute in updates, applying
// a disable/write/re-enable sequence for any attribute classified
// requires-disabled. entityName identifies the
// target whose enabled flag must be toggled; an empty entityName
// means "not a target/driver" (e.g. a device), where no attribute is
// requires-disabled.
func (e *Engine) writeAttrsWithDiscipline(ctx context.Context, dir, entityName string, updates []planner.AttrUpdate) error {
	needsToggle := false
	if entityName != "" {
		for _, u := range updates {
			if requiresDisabled[u.Key] {
				needsToggle = true
				break
			}
		}
	}

	wasEnabled := false
	if needsToggle {
		v, err := e.FS.ReadAttribute(path.Join(dir, "enabled"))
		wasEnabled = err == nil && v == "1"
		if wasEnabled {
			if err := e.FS.WriteAttribute(ctx, path.Join(dir, "enabled"), "0"); err != nil {
				return &scsterr.OperationError{Path: dir, Verb: "write", Reason: "disable before requires-disabled attr", Err: err}
			}
		}
	}

	var firstErr error
	for _, u := range updates {
		if err := e.FS.WriteAttribute(ctx, path.Join(dir, u.Key), u.Value); err != nil && firstErr == nil {
			firstErr = &scsterr.OperationError{Path: dir, Verb: "write", Reason: u.Key + "=" + u.Value, Err: err}
		}
	}

	if needsToggle && wasEnabled {
		if err := e.FS.WriteAttribute(ctx, path.Join(dir, "enabled"), "1"); err != nil && firstErr == nil {
			firstErr = &scsterr.OperationError{Path: dir, Verb: "write", Reason: "re-enable after requires-disabled attr", Err: err}
		}
	}
	return firstErr
}

func attrsExcluding(attrs *model.AttrMap, key string) []planner.AttrUpdate {
	var out []planner.AttrUpdate
	for _, a := range attrs.Entries() {
		if a.Key == key {
			continue
		}
		out = append(out, planner.AttrUpdate{Key: a.Key, Value: a.Value})
	}
	return out
}
