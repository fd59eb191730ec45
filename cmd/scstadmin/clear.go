package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/truenas/truenas-pyscstadmin/internal/engine"
	"github.com/truenas/truenas-pyscstadmin/internal/model"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Tear down every handler, driver, target, and device group",
	Long: `Converge the control filesystem to the empty configuration,
removing every device, target driver, target, LUN, initiator group,
and device group it manages. The copy_manager driver and target are
never removed, since the kernel owns them; their LUNs are pruned.`,
	Run: runClear,
}

func runClear(cmd *cobra.Command, args []string) {
	policy, err := loadPolicy()
	if err != nil {
		fail("load module policy: %v", err)
	}

	eng := engine.New(buildAdapter(), policy)

	run := newRun(false)
	convergeErr := eng.Converge(context.Background(), model.NewRoot())
	finishRun(run, convergeErr)

	if convergeErr != nil {
		if _, ok := asPartial(convergeErr); ok {
			fmt.Printf("clear completed with errors: %v\n", convergeErr)
			os.Exit(1)
		}
		fail("clear failed: %v", convergeErr)
	}
	fmt.Println("clear complete")
}
