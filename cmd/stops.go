package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tidbyt.dev/arrivals/config"
)

var stopsCmd = &cobra.Command{
	Use:   "stops <lat> <lng> [radius]",
	Short: "Lists stops near a geographical location",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  stops,
}

func init() {
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	var radius float64

	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid lng: %w", err)
	}
	if len(args) == 3 {
		radius, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid radius: %w", err)
		}
		if radius < 0 {
			return fmt.Errorf("radius must be >= 0")
		}
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

	res, err := c.FindNearbyStops(cmd.Context(), lat, lng, radius)
	if res != nil {
		for _, w := range res.Warnings {
			fmt.Printf("warning: %v\n", w)
		}
		for _, stop := range res.Stops {
			fmt.Printf("%s:%s (code %s): %s [%.2f mi, %d records]\n",
				stop.Agency, stop.CanonicalID, stop.LookupCode, stop.DisplayName, stop.Distance, stop.Sources)
		}
	}

	return err
}
