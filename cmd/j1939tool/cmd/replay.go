package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/tp"
)

const flagSpeed = "speed"

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "play back a candump or monitor log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := adapterConfig(cmd)
		if err != nil {
			return err
		}
		speed, err := cmd.Flags().GetString(flagSpeed)
		if err != nil {
			return err
		}
		filter, err := pgnFilter(cmd)
		if err != nil {
			return err
		}
		cfg.Port = args[0]
		cfg.AdditionalConfig["speed"] = speed

		dev, err := j1939.NewReplay(cfg)
		if err != nil {
			return err
		}
		addr, err := cmd.Flags().GetUint8(flagAddress)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		raw, err := j1939.NewCANBus(ctx, dev, addr)
		if err != nil {
			return err
		}
		tpcfg := tp.DefaultConfig()
		tpcfg.Passive = true
		tpcfg.Debug = cfg.Debug
		bus, err := tp.New(raw, tpcfg)
		if err != nil {
			raw.Close()
			return err
		}
		defer bus.Close()

		go func() {
			select {
			case <-dev.(*j1939.Replay).Done():
				log.Println(raw.Stats())
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := monitor(ctx, bus, filter); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().String(flagSpeed, "1", "playback speed factor, max = no pacing")
	replayCmd.Flags().UintSlice(flagPGN, nil, "only show these PGNs")
	rootCmd.AddCommand(replayCmd)
}
