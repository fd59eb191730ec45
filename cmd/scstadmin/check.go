package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/truenas/truenas-pyscstadmin/internal/config"
	"github.com/truenas/truenas-pyscstadmin/internal/planner"
	"github.com/truenas/truenas-pyscstadmin/internal/reader"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show what apply would change, without writing anything",
	Run:   runCheck,
}

func runCheck(cmd *cobra.Command, args []string) {
	desired, err := config.ParseFile(cfgFile)
	if err != nil {
		fail("parse %s: %v", cfgFile, err)
	}
	if err := config.Validate(desired); err != nil {
		fail("invalid configuration: %v", err)
	}

	current, err := reader.Read(buildAdapter())
	if err != nil {
		fail("read control filesystem: %v", err)
	}

	plan := planner.Diff(desired, current)
	printPlanSummary(plan)
}

type planLine struct {
	label string
	count int
}

func printPlanSummary(p *planner.Plan) {
	lines := []planLine{
		{"device groups to remove", len(p.DeviceGroupRemovals)},
		{"target group members to remove", len(p.TargetGroupMemberRemovals)},
		{"group LUNs to remove", len(p.GroupLUNRemovals)},
		{"default LUNs to remove", len(p.DefaultLUNRemovals)},
		{"targets to remove", len(p.TargetRemovals)},
		{"initiator groups to remove", len(p.GroupRemovals)},
		{"drivers to remove", len(p.DriverRemovals)},
		{"devices to remove", len(p.DeviceRemovals)},
		{"devices to add", len(p.DeviceAdds)},
		{"devices to update", len(p.DeviceUpdates)},
		{"drivers to add", len(p.DriverAdds)},
		{"driver attributes to update", len(p.DriverAttrUpdates)},
		{"targets to add", len(p.TargetAdds)},
		{"target attributes to update", len(p.TargetAttrUpdates)},
		{"initiator groups to add", len(p.GroupAdds)},
		{"default LUNs to add", len(p.DefaultLUNAdds)},
		{"default LUNs to update", len(p.DefaultLUNUpdates)},
		{"group LUNs to add", len(p.GroupLUNAdds)},
		{"group LUNs to update", len(p.GroupLUNUpdates)},
		{"copy_manager LUNs to prune", len(p.CopyManagerLUNRemovals)},
		{"device groups to add", len(p.DeviceGroupAdds)},
		{"device group members to add", len(p.DeviceGroupDeviceAdds)},
		{"target groups to add", len(p.TargetGroupAdds)},
		{"target group members to add", len(p.TargetGroupMemberAdds)},
		{"target group members to update", len(p.TargetGroupMemberUpdates)},
		{"targets to enable/disable", len(p.TargetEnables)},
		{"drivers to enable/disable", len(p.DriverEnables)},
		{"post-enable driver attributes to update", len(p.DriverPostEnableAttrUpdates)},
	}

	total := 0
	for _, l := range lines {
		if l.count == 0 {
			continue
		}
		total += l.count
		fmt.Printf("  %-42s %s\n", l.label, humanize.Comma(int64(l.count)))
	}

	if total == 0 {
		fmt.Println("no changes: live state already matches the configuration")
		return
	}
	fmt.Printf("%s change(s) planned\n", humanize.Comma(int64(total)))
}
