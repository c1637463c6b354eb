package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/schedule"
)

const dateLayout = "2006-01-02"

var landCmd = &cobra.Command{
	Use:     "land",
	GroupID: "records",
	Short:   "Manage land parcels",
}

var landAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a land parcel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		area, _ := cmd.Flags().GetFloat64("area")
		location, _ := cmd.Flags().GetString("location")
		soil, _ := cmd.Flags().GetString("soil")

		rec := &farm.Record{
			Type: farm.TypeLand,
			Land: &farm.Land{
				Name:     args[0],
				AreaHa:   area,
				Location: location,
				SoilType: soil,
			},
		}
		if err := a.engine.Put(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Printf("Added land %s (%s)\n", rec.ID, args[0])
		return nil
	},
}

var landListCmd = &cobra.Command{
	Use:   "list",
	Short: "List land parcels",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		recs, err := a.engine.List(cmd.Context(), farm.TypeLand)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No lands")
			return nil
		}
		for _, rec := range recs {
			marker := " "
			if rec.Dirty {
				marker = "*"
			}
			fmt.Printf("%s %-36s %-24s %.2f ha  %s\n",
				marker, rec.ID, rec.Land.Name, rec.Land.AreaHa, rec.Land.Location)
		}
		return nil
	},
}

var productionCmd = &cobra.Command{
	Use:     "production",
	GroupID: "records",
	Short:   "Manage production cycles",
}

var productionAddCmd = &cobra.Command{
	Use:   "add <commodity>",
	Short: "Start a production cycle on a land parcel",
	Long: `Record a new cultivation cycle.

The planting date plus an expected (or default 90-day) harvest window is
checked against every other active cycle on the same land; overlaps are
reported as warnings but do not block the write.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		landID, _ := cmd.Flags().GetString("land")
		plantingStr, _ := cmd.Flags().GetString("planting")
		estimateStr, _ := cmd.Flags().GetString("estimate")
		quantity, _ := cmd.Flags().GetFloat64("quantity")
		unit, _ := cmd.Flags().GetString("unit")

		planting, err := time.Parse(dateLayout, plantingStr)
		if err != nil {
			return fmt.Errorf("invalid --planting date %q (want YYYY-MM-DD)", plantingStr)
		}
		p := &farm.Production{
			LandID:       landID,
			Commodity:    args[0],
			PlantingDate: planting,
			Unit:         unit,
			Status:       farm.StatusPlanned,
		}
		if estimateStr != "" {
			est, err := time.Parse(dateLayout, estimateStr)
			if err != nil {
				return fmt.Errorf("invalid --estimate date %q (want YYYY-MM-DD)", estimateStr)
			}
			p.EstimatedHarvestDate = &est
		}
		if quantity > 0 {
			p.Quantity = &quantity
		}

		ctx := cmd.Context()
		existing, err := a.engine.List(ctx, farm.TypeProduction)
		if err != nil {
			return err
		}
		conflicts := schedule.DetectConflicts(landID, schedule.RangeOf(p), existing, "")
		for _, c := range conflicts {
			fmt.Printf("Warning: overlaps cycle %s by %d days (%s to %s)\n",
				c.OtherID, c.OverlapDays,
				c.OtherRange.Start.Format(dateLayout), c.OtherRange.End.Format(dateLayout))
		}

		rec := &farm.Record{Type: farm.TypeProduction, Production: p}
		if err := a.engine.Put(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("Added production %s (%s on %s)\n", rec.ID, args[0], landID)
		return nil
	},
}

var productionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List production cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		recs, err := a.engine.List(cmd.Context(), farm.TypeProduction)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No productions")
			return nil
		}
		for _, rec := range recs {
			p := rec.Production
			marker := " "
			if rec.Dirty {
				marker = "*"
			}
			r := schedule.RangeOf(p)
			fmt.Printf("%s %-36s %-16s %-10s %s to %s  land=%s\n",
				marker, rec.ID, p.Commodity, p.Status,
				r.Start.Format(dateLayout), r.End.Format(dateLayout), p.LandID)
		}
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:     "activity",
	GroupID: "records",
	Short:   "Log field activities",
}

var activityAddCmd = &cobra.Command{
	Use:   "add <kind>",
	Short: "Log a field activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		landID, _ := cmd.Flags().GetString("land")
		productionID, _ := cmd.Flags().GetString("production")
		dateStr, _ := cmd.Flags().GetString("date")
		notes, _ := cmd.Flags().GetString("notes")
		cost, _ := cmd.Flags().GetFloat64("cost")

		date := time.Now()
		if dateStr != "" {
			date, err = time.Parse(dateLayout, dateStr)
			if err != nil {
				return fmt.Errorf("invalid --date %q (want YYYY-MM-DD)", dateStr)
			}
		}
		act := &farm.Activity{
			LandID:       landID,
			ProductionID: productionID,
			Kind:         args[0],
			Date:         date,
			Notes:        notes,
		}
		if cost > 0 {
			act.Cost = &cost
		}

		rec := &farm.Record{Type: farm.TypeActivity, Activity: act}
		if err := a.engine.Put(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Printf("Logged %s activity %s\n", args[0], rec.ID)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <type> <id>",
	GroupID: "records",
	Short:   "Delete a record",
	Long: `Delete a land, production, or activity.

The record disappears locally right away; the remote delete queues for the
next sync. Deleting a record whose create never reached the server cancels
both out with no remote call.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := farm.Type(args[0])
		if !t.Valid() {
			return fmt.Errorf("unknown record type %q (want land, production, or activity)", args[0])
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.Delete(cmd.Context(), t, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s %s\n", t, args[1])
		return nil
	},
}

func init() {
	landAddCmd.Flags().Float64("area", 0, "Area in hectares")
	landAddCmd.Flags().String("location", "", "Location description")
	landAddCmd.Flags().String("soil", "", "Soil type")
	landCmd.AddCommand(landAddCmd, landListCmd)

	productionAddCmd.Flags().String("land", "", "Land parcel id (required)")
	productionAddCmd.Flags().String("planting", "", "Planting date, YYYY-MM-DD (required)")
	productionAddCmd.Flags().String("estimate", "", "Estimated harvest date, YYYY-MM-DD")
	productionAddCmd.Flags().Float64("quantity", 0, "Expected quantity")
	productionAddCmd.Flags().String("unit", "", "Quantity unit")
	_ = productionAddCmd.MarkFlagRequired("land")
	_ = productionAddCmd.MarkFlagRequired("planting")
	productionCmd.AddCommand(productionAddCmd, productionListCmd)

	activityAddCmd.Flags().String("land", "", "Land parcel id (required)")
	activityAddCmd.Flags().String("production", "", "Production cycle id")
	activityAddCmd.Flags().String("date", "", "Activity date, YYYY-MM-DD (default today)")
	activityAddCmd.Flags().String("notes", "", "Free-form notes")
	activityAddCmd.Flags().Float64("cost", 0, "Cost incurred")
	_ = activityAddCmd.MarkFlagRequired("land")
	activityCmd.AddCommand(activityAddCmd)

	rootCmd.AddCommand(landCmd, productionCmd, activityCmd, removeCmd)
}
