package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tidbyt.dev/arrivals/config"
	"tidbyt.dev/arrivals/model"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <agency> <stop_id>",
	Short: "Shows live arrivals at a stop",
	Args:  cobra.ExactArgs(2),
	RunE:  schedule,
}

var lookupCode string

func init() {
	scheduleCmd.Flags().StringVarP(&lookupCode, "code", "", "", "Stop code for the realtime feed, if not the stop ID")
	rootCmd.AddCommand(scheduleCmd)
}

func schedule(cmd *cobra.Command, args []string) error {
	stop := model.CanonicalStop{
		Agency:      args[0],
		CanonicalID: args[1],
		LookupCode:  lookupCode,
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	c, index, err := LoadCoordinator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	s, err := c.GetSchedule(cmd.Context(), stop, false)
	if err != nil {
		return err
	}

	printGroups("Inbound", s.Inbound)
	printGroups("Outbound", s.Outbound)

	return nil
}

func printGroups(title string, groups []model.RouteGroup) {
	fmt.Printf("%s:\n", title)
	if len(groups) == 0 {
		fmt.Println("  (none)")
	}
	for _, g := range groups {
		etas := []string{}
		for _, a := range g.Arrivals {
			switch {
			case a.ETAMinutes == nil:
				etas = append(etas, "?")
			case a.IsRealtime:
				etas = append(etas, fmt.Sprintf("%d", *a.ETAMinutes))
			default:
				etas = append(etas, fmt.Sprintf("%d*", *a.ETAMinutes))
			}
		}
		line := fmt.Sprintf("  %s %s: %s min", g.RouteLabel, g.Destination, strings.Join(etas, ", "))
		if g.VehicleHint != "" {
			line += fmt.Sprintf(" (near %s)", g.VehicleHint)
		}
		fmt.Println(line)
	}
}
