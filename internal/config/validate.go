package config

import (
	"fmt"

	"github.com/truenas/truenas-pyscstadmin/internal/model"
	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

// Validate checks a parsed model.Root against every structural
// invariant: LUN number uniqueness, device group membership
// referring to declared devices, and target group members referring
// to declared targets. It is deliberately a flat list of independent
// checks, with no hidden cross-rule ordering.
func Validate(root *model.Root) error {
	deviceNames := root.AllDeviceNames()
	deviceOwner := make(map[string]int) // device name -> number of owning device groups

	if err := validateLUNUniqueness(root, deviceNames); err != nil {
		return err
	}
	if err := validateDeviceGroups(root, deviceNames, deviceOwner); err != nil {
		return err
	}
	if err := validateTargetGroupRefs(root); err != nil {
		return err
	}
	return nil
}

func validateLUNUniqueness(root *model.Root, deviceNames map[string]bool) error {
	for _, d := range root.Drivers {
		for _, t := range d.Targets {
			if err := checkLUNSet(t.LUNs, deviceNames, fmt.Sprintf("TARGET %s/%s", d.Name, t.Name)); err != nil {
				return err
			}
			for _, g := range t.InitiatorGroups {
				if err := checkLUNSet(g.LUNs, deviceNames, fmt.Sprintf("TARGET %s/%s GROUP %s", d.Name, t.Name, g.Name)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkLUNSet(luns model.LUNSet, deviceNames map[string]bool, subject string) error {
	seen := map[int]bool{}
	for _, l := range luns.All() {
		if seen[l.Number] {
			return &scsterr.ValidationError{
				Rule: "lun-unique", Subject: subject,
				Msg: fmt.Sprintf("duplicate LUN number %d", l.Number),
			}
		}
		seen[l.Number] = true
		if !deviceNames[l.Device] {
			return &scsterr.ValidationError{
				Rule: "lun-device-exists", Subject: subject,
				Msg: fmt.Sprintf("LUN %d references undeclared device %q", l.Number, l.Device),
			}
		}
	}
	return nil
}

func validateDeviceGroups(root *model.Root, deviceNames map[string]bool, owner map[string]int) error {
	for _, dg := range root.DeviceGroups {
		for _, dn := range dg.Devices {
			if !deviceNames[dn] {
				return &scsterr.ValidationError{
					Rule: "device-group-device-exists", Subject: "DEVICE_GROUP " + dg.Name,
					Msg: fmt.Sprintf("references undeclared device %q", dn),
				}
			}
			owner[dn]++
			if owner[dn] > 1 {
				return &scsterr.ValidationError{
					Rule: "device-single-group", Subject: "DEVICE_GROUP " + dg.Name,
					Msg: fmt.Sprintf("device %q belongs to more than one device group", dn),
				}
			}
		}
	}
	return nil
}

func validateTargetGroupRefs(root *model.Root) error {
	for _, dg := range root.DeviceGroups {
		for _, tg := range dg.TargetGroups {
			for _, ref := range tg.Targets {
				drv, ok := root.DriverByName(ref.Driver)
				if !ok {
					return &scsterr.ValidationError{
						Rule: "target-group-ref-exists", Subject: fmt.Sprintf("DEVICE_GROUP %s/%s", dg.Name, tg.Name),
						Msg: fmt.Sprintf("references undeclared driver %q", ref.Driver),
					}
				}
				if _, ok := drv.TargetByName(ref.Target); !ok {
					return &scsterr.ValidationError{
						Rule: "target-group-ref-exists", Subject: fmt.Sprintf("DEVICE_GROUP %s/%s", dg.Name, tg.Name),
						Msg: fmt.Sprintf("references undeclared target %q on driver %q", ref.Target, ref.Driver),
					}
				}
			}
		}
	}
	return nil
}
