package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/schedule"
)

var planCmd = &cobra.Command{
	Use:     "plan",
	GroupID: "records",
	Short:   "Check planting schedules for overlaps",
}

var planCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report overlapping production cycles",
	Long: `Scan every land parcel for production cycles whose date ranges overlap.

A cycle's range runs from its planting date to its harvest date, falling
back to the estimated harvest date, falling back to a 90-day window.
Harvested cycles are skipped. Ranges that merely touch on one day still
count as an overlap.

With --land and --planting (and optionally --harvest) the check runs for a
hypothetical cycle instead, answering "could I plant here then?" without
writing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		existing, err := a.engine.List(cmd.Context(), farm.TypeProduction)
		if err != nil {
			return err
		}

		landID, _ := cmd.Flags().GetString("land")
		plantingStr, _ := cmd.Flags().GetString("planting")

		if plantingStr != "" {
			if landID == "" {
				return fmt.Errorf("--planting requires --land")
			}
			planting, err := time.Parse(dateLayout, plantingStr)
			if err != nil {
				return fmt.Errorf("invalid --planting date %q (want YYYY-MM-DD)", plantingStr)
			}
			p := &farm.Production{LandID: landID, PlantingDate: planting}
			if harvestStr, _ := cmd.Flags().GetString("harvest"); harvestStr != "" {
				h, err := time.Parse(dateLayout, harvestStr)
				if err != nil {
					return fmt.Errorf("invalid --harvest date %q (want YYYY-MM-DD)", harvestStr)
				}
				p.HarvestDate = &h
			}

			r := schedule.RangeOf(p)
			conflicts := schedule.DetectConflicts(landID, r, existing, "")
			if len(conflicts) == 0 {
				fmt.Printf("No overlap: %s is free from %s to %s\n",
					landID, r.Start.Format(dateLayout), r.End.Format(dateLayout))
				return nil
			}
			for _, c := range conflicts {
				fmt.Printf("Overlaps %s by %d days (%s to %s)\n",
					c.OtherID, c.OverlapDays,
					c.OtherRange.Start.Format(dateLayout), c.OtherRange.End.Format(dateLayout))
			}
			return nil
		}

		all := schedule.AllConflicts(existing)
		if len(all) == 0 {
			fmt.Println("No schedule overlaps")
			return nil
		}

		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			for _, c := range all[id] {
				fmt.Printf("%s: land %s overlaps %s by %d days\n",
					id, c.LandID, c.OtherID, c.OverlapDays)
			}
		}
		return nil
	},
}

func init() {
	planCheckCmd.Flags().String("land", "", "Land parcel id for a what-if check")
	planCheckCmd.Flags().String("planting", "", "Hypothetical planting date, YYYY-MM-DD")
	planCheckCmd.Flags().String("harvest", "", "Hypothetical harvest date, YYYY-MM-DD")

	planCmd.AddCommand(planCheckCmd)
	rootCmd.AddCommand(planCmd)
}
