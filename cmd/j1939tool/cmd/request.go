package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roffe/j1939/pkg/conversation"
)

const (
	flagDest   = "dest"
	flagWindow = "window"
)

var requestCmd = &cobra.Command{
	Use:   "request <pgn>",
	Short: "request a PGN",
	Long:  `Request a PGN from every node, or from one node with --dest`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pgn, err := parsePGN(args[0])
		if err != nil {
			return err
		}
		dest, err := cmd.Flags().GetInt(flagDest)
		if err != nil {
			return err
		}
		window, err := cmd.Flags().GetDuration(flagWindow)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Bus().Close()
		defer e.Close()

		ctx := cmd.Context()
		if dest < 0 {
			res, err := e.RequestGlobalResult(ctx, pgn, window)
			if err != nil {
				return err
			}
			for _, p := range res.Packets {
				fmt.Println(p.ColorString())
			}
			for _, a := range res.NACKs {
				fmt.Println(color.RedString("%s", a))
			}
			if len(res.Packets) == 0 {
				fmt.Println(color.YellowString("no answers to PGN 0x%04X", pgn))
			}
			return nil
		}
		if dest > 0xFD {
			return fmt.Errorf("invalid destination 0x%X", dest)
		}
		out, err := e.RequestDS(ctx, pgn, uint8(dest))
		if err != nil {
			return err
		}
		printOutcome(out)
		return nil
	},
}

func init() {
	requestCmd.Flags().Int(flagDest, -1, "destination address, -1 = global")
	requestCmd.Flags().Duration(flagWindow, 600*time.Millisecond, "how long to collect answers to a global request")
	rootCmd.AddCommand(requestCmd)
}

func parsePGN(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid PGN %q: %w", s, err)
	}
	if v > 0x3FFFF {
		return 0, fmt.Errorf("PGN 0x%X out of range", v)
	}
	return uint32(v), nil
}

func printOutcome(out *conversation.Outcome) {
	switch out.Kind {
	case conversation.KindResponse:
		fmt.Println(out.Packet.ColorString())
	case conversation.KindNACK:
		fmt.Println(color.RedString("%s", out.Ack))
	default:
		fmt.Println(color.YellowString("timeout"))
	}
	if out.RetryUsed {
		fmt.Println(color.YellowString("first attempt was answered busy, request was repeated"))
	}
}
