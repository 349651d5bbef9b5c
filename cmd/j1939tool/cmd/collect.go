package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/bar"
)

const flagIdle = "idle"

var collectCmd = &cobra.Command{
	Use:   "collect <pgn>",
	Short: "collect broadcasts of a PGN until the bus goes quiet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pgn, err := parsePGN(args[0])
		if err != nil {
			return err
		}
		idle, err := cmd.Flags().GetDuration(flagIdle)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Bus().Close()
		defer e.Close()

		progress := bar.NewCollection(pgn)
		got, err := e.Collect(cmd.Context(), j1939.ByPGN(pgn), idle, progress.Progress)
		fmt.Println(progress.Done())
		if err != nil {
			return err
		}

		perSource := make(map[uint8]int)
		for _, p := range got {
			perSource[p.Source]++
		}
		sources := make([]int, 0, len(perSource))
		for src := range perSource {
			sources = append(sources, int(src))
		}
		sort.Ints(sources)
		for _, src := range sources {
			fmt.Printf("0x%02X: %d packets\n", src, perSource[uint8(src)])
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().Duration(flagIdle, 2*time.Second, "stop after this long without a packet")
	rootCmd.AddCommand(collectCmd)
}
