package engine

import (
	"strconv"
	"strings"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/planner"
)

// The command strings below follow the management-command
// vocabulary (add_device/del_device, add_target, create_group, add/
// replace/del for LUNs). Device-group and target-group verbs are not
// spelled out there; this module names them symmetrically with the
// rest (create_device_group/create_target_group, add/del for members).

func attrArgs(updates []planner.AttrUpdate) string {
	parts := make([]string, len(updates))
	for i, u := range updates {
		parts[i] = u.Key + "=" + quoteIfNeeded(u.Value)
	}
	return strings.Join(parts, " ")
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}

func cmdAddDevice(kind model.HandlerKind, d *model.Device) string {
	primary := kind.RequiredAttr()
	var b strings.Builder
	b.WriteString("add_device ")
	b.WriteString(d.Name)
	if primary != "" {
		if v, ok := d.Attrs.Get(primary); ok {
			b.WriteString(" ")
			b.WriteString(primary)
			b.WriteString("=")
			b.WriteString(quoteIfNeeded(v))
		}
	}
	for _, a := range d.Attrs.Entries() {
		if a.Key == primary {
			continue
		}
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(quoteIfNeeded(a.Value))
	}
	return b.String()
}

func cmdDelDevice(name string) string { return "del_device " + name }

func cmdAddTarget(name string) string { return "add_target " + name }
func cmdDelTarget(name string) string { return "del_target " + name }

func cmdCreateGroup(name string) string { return "create_group " + name }
func cmdDelGroup(name string) string    { return "del_group " + name }

func cmdAddInitiator(name string) string { return "add " + name }
func cmdDelInitiator(name string) string { return "del " + name }

func cmdAddLUN(device string, number int, updates []planner.AttrUpdate) string {
	cmd := "add " + device + " " + strconv.Itoa(number)
	if args := attrArgs(updates); args != "" {
		cmd += " " + args
	}
	return cmd
}

func cmdReplaceLUN(device string, number int, updates []planner.AttrUpdate) string {
	cmd := "replace " + device + " " + strconv.Itoa(number)
	if args := attrArgs(updates); args != "" {
		cmd += " " + args
	}
	return cmd
}

func cmdDelLUN(number int) string { return "del " + strconv.Itoa(number) }

func cmdCreateDeviceGroup(name string) string { return "create_device_group " + name }
func cmdDelDeviceGroup(name string) string    { return "del_device_group " + name }

func cmdAddDGDevice(name string) string { return "add " + name }
func cmdDelDGDevice(name string) string { return "del " + name }

func cmdCreateTargetGroup(name string) string { return "create_target_group " + name }
func cmdDelTargetGroup(name string) string    { return "del_target_group " + name }

func cmdAddTargetGroupMember(driver, target string, updates []planner.AttrUpdate) string {
	cmd := "add " + driver + " " + target
	if args := attrArgs(updates); args != "" {
		cmd += " " + args
	}
	return cmd
}

func cmdDelTargetGroupMember(driver, target string) string {
	return "del " + driver + " " + target
}
