package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roffe/j1939"
)

const (
	flagPGN = "pgn"
	flagRaw = "raw"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print bus traffic",
	Long:  `Print every message on the bus. Multi packet transfers are shown reassembled unless --raw is given`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := adapterConfig(cmd)
		if err != nil {
			return err
		}
		filter, err := pgnFilter(cmd)
		if err != nil {
			return err
		}
		raw, err := cmd.Flags().GetBool(flagRaw)
		if err != nil {
			return err
		}
		var bus j1939.Bus
		if raw {
			bus, err = openCANBus(cmd, cfg)
		} else {
			bus, err = openTP(cmd, cfg, true)
		}
		if err != nil {
			return err
		}
		defer bus.Close()
		return monitor(cmd.Context(), bus, filter)
	},
}

func init() {
	monitorCmd.Flags().UintSlice(flagPGN, nil, "only show these PGNs")
	monitorCmd.Flags().Bool(flagRaw, false, "show transport protocol frames")
	rootCmd.AddCommand(monitorCmd)
}

func pgnFilter(cmd *cobra.Command) (j1939.PacketFilter, error) {
	pgns, err := cmd.Flags().GetUintSlice(flagPGN)
	if err != nil {
		return nil, err
	}
	if len(pgns) == 0 {
		return nil, nil
	}
	list := make([]uint32, len(pgns))
	for i, p := range pgns {
		list[i] = uint32(p)
	}
	return j1939.ByPGN(list...), nil
}

// monitor prints packets from bus until ctx is done or the bus closes.
func monitor(ctx context.Context, bus j1939.Bus, filter j1939.PacketFilter) error {
	s, err := j1939.Follow(ctx, bus, filter)
	if err != nil {
		return err
	}
	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		for {
			p, err := s.Next()
			if err != nil {
				if errors.Is(err, j1939.ErrStreamClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Println(p.ColorString())
		}
	})
	errg.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Close()
				return nil
			case <-t.C:
				if bus.ImposterDetected() {
					log.Println(color.RedString("another node is transmitting with source address 0x%02X", bus.Address()))
					return nil
				}
			}
		}
	})
	return errg.Wait()
}
