package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/truenas/truenas-pyscstadmin/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded convergence runs",
}

var historyLimit int
var historyJSON bool

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List recent convergence runs",
	Run:   runHistoryShow,
}

func init() {
	historyShowCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")
	historyShowCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
	historyCmd.AddCommand(historyShowCmd)
}

func runHistoryShow(cmd *cobra.Command, args []string) {
	db, err := history.Open(historyDB)
	if err != nil {
		fail("open history database: %v", err)
	}
	defer db.Close()

	runs, err := db.RecentRuns(historyLimit)
	if err != nil {
		fail("query run history: %v", err)
	}

	if historyJSON {
		for _, r := range runs {
			if errs, err := db.ErrorsForRun(r.ID); err == nil {
				r.Errors = errs
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(runs)
		return
	}

	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return
	}

	fmt.Printf("%-20s %-10s %-8s %-8s %s\n", "STARTED", "OUTCOME", "SUSPEND", "ERRORS", "CONFIG")
	fmt.Println(strings.Repeat("-", 75))
	for _, r := range runs {
		errs, err := db.ErrorsForRun(r.ID)
		if err != nil {
			errs = nil
		}
		fmt.Printf("%-20s %-10s %-8v %-8d %s\n",
			humanize.Time(r.StartedAt), strings.ToUpper(r.Outcome), r.Suspended, len(errs), r.ConfigPath)
	}
}
