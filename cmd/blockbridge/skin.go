package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/energizer-project/blockbridge/internal/skin"
)

func skinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skin",
		Short: "Skin image tools",
	}
	cmd.AddCommand(skinResizeCmd())
	return cmd
}

func skinResizeCmd() *cobra.Command {
	var (
		width  int
		height int
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "resize <in.png> <out.png>",
		Short: "Resize a skin texture",
		Long: `Resize a skin texture with bilinear filtering.

Examples:
  blockbridge skin resize steve.png steve_hd.png --mode hires
  blockbridge skin resize big.png small.png --width 64 --height 64`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case "":
			case "hires":
				width, height = skin.HiResSize, skin.HiResSize
			case "classic":
				width, height = skin.ClassicSize, skin.ClassicSize
			default:
				return fmt.Errorf("unknown mode %q (want hires or classic)", mode)
			}
			if width <= 0 || height <= 0 {
				return fmt.Errorf("--width and --height, or --mode, are required")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := skin.Resize(data, width, height)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], out, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%dx%d, %d bytes)\n", args[1], width, height, len(out))
			return nil
		},
	}

	cmd.Flags().IntVarP(&width, "width", "W", 0, "Target width in pixels")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "Target height in pixels")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Preset size: hires (128x128) or classic (64x64)")

	return cmd
}
