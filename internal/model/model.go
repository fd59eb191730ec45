// Package model holds the typed description shared by desired and
// current state : handlers, devices, target drivers,
// targets, LUN assignments, initiator groups, and ALUA device groups.
// The same types are produced by the parser (internal/config) and by
// the state reader (internal/reader), so diffing (internal/planner) is
// symmetric.
package model

// HandlerKind discriminates the handler-specific required primary
// attribute with a single kind string rather than a type per handler:
// the handlers carry no unique behavior beyond which attribute they
// require.
type HandlerKind string

const (
	HandlerFileIO  HandlerKind = "vdisk_fileio"
	HandlerBlockIO HandlerKind = "vdisk_blockio"
	HandlerNullIO  HandlerKind = "vdisk_nullio"
	HandlerDiskPT  HandlerKind = "dev_disk"
	HandlerTapePT  HandlerKind = "dev_tape"
	HandlerUnknown HandlerKind = ""
)

// RequiredAttr returns the name of the primary attribute a device of
// this handler kind must carry, or "" if the kind has none (e.g. nullio).
func (k HandlerKind) RequiredAttr() string {
	switch k {
	case HandlerFileIO:
		return "filename"
	case HandlerBlockIO:
		return "filename" // vdisk_blockio also keys its backing path as "filename"
	case HandlerDiskPT, HandlerTapePT:
		return "t10_dev_id"
	default:
		return ""
	}
}

// CopyManagerDriver and CopyManagerTarget name the distinguished
// built-in driver/target that the subsystem auto-populates. They are
// never created or removed by the engine.
const (
	CopyManagerDriver = "copy_manager"
	CopyManagerTarget = "copy_manager_tgt"
)

// Device is a storage object belonging to exactly one Handler.
type Device struct {
	Name   string
	Attrs  *AttrMap
	Seq    int // insertion order, for deterministic diff/apply ordering
}

// Handler is a kernel-side device-type backend hosting zero or more
// Devices.
type Handler struct {
	Name    string
	Kind    HandlerKind
	Devices []*Device
	Seq     int
}

// DeviceByName returns the device named n, if present.
func (h *Handler) DeviceByName(n string) (*Device, bool) {
	for _, d := range h.Devices {
		if d.Name == n {
			return d, true
		}
	}
	return nil, false
}

// LUN is a (LUN number, device name, attribute map) triple. LUN
// numbers are unique within their containing set.
type LUN struct {
	Number int
	Device string
	Attrs  *AttrMap
	Seq    int
}

// LUNSet is an ordered collection of LUN assignments, keyed by number.
type LUNSet struct {
	luns []*LUN
}

// Add appends (or, if the number exists, replaces) a LUN assignment.
func (s *LUNSet) Add(l *LUN) {
	for i, existing := range s.luns {
		if existing.Number == l.Number {
			s.luns[i] = l
			return
		}
	}
	s.luns = append(s.luns, l)
}

// Get returns the LUN assignment for number, if present.
func (s *LUNSet) Get(number int) (*LUN, bool) {
	for _, l := range s.luns {
		if l.Number == number {
			return l, true
		}
	}
	return nil, false
}

// All returns the LUN assignments in insertion order.
func (s *LUNSet) All() []*LUN {
	out := make([]*LUN, len(s.luns))
	copy(out, s.luns)
	return out
}

// Len returns the number of LUN assignments.
func (s *LUNSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.luns)
}

// InitiatorGroup is a named subset of initiators with its own LUN map
// inside a Target.
type InitiatorGroup struct {
	Name        string
	Initiators  []string
	LUNs        LUNSet
	Seq         int
}

// Target belongs to a Driver. Holds the default LUN set, named
// initiator groups, an attribute map, and the enabled flag.
type Target struct {
	Name            string
	Attrs           *AttrMap
	LUNs            LUNSet
	InitiatorGroups []*InitiatorGroup
	Seq             int
}

// GroupByName returns the initiator group named n, if present.
func (t *Target) GroupByName(n string) (*InitiatorGroup, bool) {
	for _, g := range t.InitiatorGroups {
		if g.Name == n {
			return g, true
		}
	}
	return nil, false
}

// Driver is a transport-layer target driver (e.g. iSCSI) hosting zero
// or more Targets.
type Driver struct {
	Name    string
	Attrs   *AttrMap
	Targets []*Target
	Seq     int
}

// TargetByName returns the target named n, if present.
func (d *Driver) TargetByName(n string) (*Target, bool) {
	for _, t := range d.Targets {
		if t.Name == n {
			return t, true
		}
	}
	return nil, false
}

// TargetRef is a target-group member reference to an existing
// driver/target pair, with its own attribute map (rel_tgt_id, preferred).
type TargetRef struct {
	Driver string
	Target string
	Attrs  *AttrMap
	Seq    int
}

// Preferred reports whether this target-group member is the preferred
// path (ALUA).
func (r *TargetRef) Preferred() bool { return r.Attrs.Preferred() }

// RelTgtID returns this target-group member's rel_tgt_id.
func (r *TargetRef) RelTgtID() (string, bool) { return r.Attrs.RelTgtID() }

// TargetGroup owns a set of target references inside a DeviceGroup.
type TargetGroup struct {
	Name    string
	Targets []*TargetRef
	Seq     int
}

// DeviceGroup is a named ALUA collection of device names and target
// groups.
type DeviceGroup struct {
	Name         string
	Devices      []string
	TargetGroups []*TargetGroup
	Seq          int
}

// TargetGroupByName returns the target group named n, if present.
func (dg *DeviceGroup) TargetGroupByName(n string) (*TargetGroup, bool) {
	for _, tg := range dg.TargetGroups {
		if tg.Name == n {
			return tg, true
		}
	}
	return nil, false
}

// Root is the top-level desired-or-current state tree .
// It is immutable after construction by whichever component built it
// (parser for desired, reader for current); the planner never mutates
// either side.
type Root struct {
	Attrs        *AttrMap
	Handlers     []*Handler
	Drivers      []*Driver
	DeviceGroups []*DeviceGroup
}

// NewRoot returns an empty Root with an initialized attribute map.
func NewRoot() *Root {
	return &Root{Attrs: NewAttrMap()}
}

// HandlerByName returns the handler named n, if present.
func (r *Root) HandlerByName(n string) (*Handler, bool) {
	for _, h := range r.Handlers {
		if h.Name == n {
			return h, true
		}
	}
	return nil, false
}

// DriverByName returns the driver named n, if present.
func (r *Root) DriverByName(n string) (*Driver, bool) {
	for _, d := range r.Drivers {
		if d.Name == n {
			return d, true
		}
	}
	return nil, false
}

// DeviceGroupByName returns the device group named n, if present.
func (r *Root) DeviceGroupByName(n string) (*DeviceGroup, bool) {
	for _, dg := range r.DeviceGroups {
		if dg.Name == n {
			return dg, true
		}
	}
	return nil, false
}

// DeviceOwner returns the handler owning the device named n, if any
// handler owns a device by that name.
func (r *Root) DeviceOwner(deviceName string) (*Handler, *Device, bool) {
	for _, h := range r.Handlers {
		if d, ok := h.DeviceByName(deviceName); ok {
			return h, d, true
		}
	}
	return nil, nil, false
}

// AllDeviceNames returns every device name declared across all handlers.
func (r *Root) AllDeviceNames() map[string]bool {
	out := make(map[string]bool)
	for _, h := range r.Handlers {
		for _, d := range h.Devices {
			out[d.Name] = true
		}
	}
	return out
}
