package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fleetdispatch/internal/seed"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load drivers, vehicles and zones from a YAML file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		path := seedFile
		if path == "" {
			path = a.cfg.SeedFile
		}
		if path == "" {
			return errors.New("no seed file given (use --file or seed_file)")
		}
		f, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		sum, err := f.Apply(cmd.Context(), a.svc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d drivers, %d vehicles, %d zones\n", sum.Drivers, sum.Vehicles, sum.Zones)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed file (defaults to seed_file from config)")
}
