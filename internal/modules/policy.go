// Package modules resolves the kernel modules SCST needs for a given
// configuration and loads them before convergence begins. The
// built-in policy table is static; a site can extend or override it
// with a YAML overlay file, following a default-then-override pattern.
package modules

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
)

// Policy maps handler kinds and driver names to the kernel module that
// backs them, plus any extra modules required unconditionally.
type Policy struct {
	HandlerModules map[string]string `yaml:"handler_modules"`
	DriverModules  map[string]string `yaml:"driver_modules"`
	Extra          []string          `yaml:"extra_modules,omitempty"`
}

// defaultPolicy is SCST's well-known module layout. scst itself is
// always required; copy_manager lives inside the core module and needs
// no separate entry.
var defaultPolicy = Policy{
	HandlerModules: map[string]string{
		string(model.HandlerFileIO):  "scst_vdisk",
		string(model.HandlerBlockIO): "scst_vdisk",
		string(model.HandlerNullIO):  "scst_vdisk",
		string(model.HandlerDiskPT):  "scst_disk",
		string(model.HandlerTapePT):  "scst_tape",
	},
	DriverModules: map[string]string{
		"iscsi":   "iscsi_scst",
		"qla2x00t": "qla2x00tgt",
		"srpt":    "ib_srpt",
	},
	Extra: []string{"scst"},
}

// crc32cExtraArches lists the architectures (the x86 family) on which
// the CRC32C module used for iSCSI digests is loaded as an extra.
var crc32cExtraArches = map[string]string{
	"386":   "libcrc32c",
	"amd64": "libcrc32c",
}

// Load returns the effective module policy: the built-in defaults,
// overridden/extended by the YAML file at path if it exists. An empty
// path, or a missing file, yields the defaults unchanged.
func Load(path string) (*Policy, error) {
	p := defaultPolicy
	p.HandlerModules = cloneMap(defaultPolicy.HandlerModules)
	p.DriverModules = cloneMap(defaultPolicy.DriverModules)
	p.Extra = append([]string(nil), defaultPolicy.Extra...)

	if path == "" {
		return withArchExtras(&p), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return withArchExtras(&p), nil
	}
	if err != nil {
		return nil, err
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	for k, v := range overlay.HandlerModules {
		p.HandlerModules[k] = v
	}
	for k, v := range overlay.DriverModules {
		p.DriverModules[k] = v
	}
	p.Extra = append(p.Extra, overlay.Extra...)

	return withArchExtras(&p), nil
}

func withArchExtras(p *Policy) *Policy {
	if extra, ok := crc32cExtraArches[runtime.GOARCH]; ok {
		p.Extra = append(p.Extra, extra)
	}
	return p
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ModuleSpec names one kernel module to load and whether its failure
// to load should abort the run. A module marked optional is logged and
// skipped on failure; a required module failing aborts convergence.
type ModuleSpec struct {
	Name     string
	Optional bool
}

// optionalModules lists modules that are nice-to-have rather than
// load-bearing: architectures where the CPU already does CRC32C in
// hardware have no libcrc32c to load, and that is not fatal.
var optionalModules = map[string]bool{
	"libcrc32c": true,
}

// RequiredModules computes the ordered, de-duplicated set of kernel
// modules a desired-state tree needs, per the phase-0
// module-load step: core extras first, then one entry per distinct
// handler kind in use, then one per distinct driver name in use.
func (p *Policy) RequiredModules(root *model.Root) []ModuleSpec {
	var out []ModuleSpec
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, ModuleSpec{Name: name, Optional: optionalModules[name]})
	}

	for _, m := range p.Extra {
		add(m)
	}
	for _, h := range root.Handlers {
		add(p.HandlerModules[string(h.Kind)])
	}
	for _, d := range root.Drivers {
		add(p.DriverModules[d.Name])
	}
	return out
}
