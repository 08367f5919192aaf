package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

// newResolveCmd creates the resolve subcommand.
func newResolveCmd() *cobra.Command {
	var (
		width, height, rotation int
		topLeft, size           []float32
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Map a crop region onto a frame's pixel rectangle",
		Long: `Resolve prints the pixel rectangle a scale-relative crop region selects in
the upright image of a width x height frame captured at the given sensor
rotation. A size component of 0 makes the region square.`,
		Example: `  cropctl resolve --width 1080 --height 1920 --rotation 90
  cropctl resolve --width 640 --height 480 --top-left 0.25,0.25 --size 0.5,0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := regionFromFlags(topLeft, size)
			if err != nil {
				return err
			}
			if err := region.Validate(); err != nil {
				return fmt.Errorf("invalid region: %w", err)
			}
			if !camera.ValidRotation(rotation) {
				return fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", rotation)
			}

			rect := geometry.Resolve(width, height, rotation, region)

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"region": region,
					"rect": map[string]int{
						"left": rect.Left, "top": rect.Top,
						"right": rect.Right, "bottom": rect.Bottom,
						"width": rect.Width(), "height": rect.Height(),
					},
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%dx%d)\n", region, rect, rect.Width(), rect.Height())
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "frame width in sensor orientation")
	cmd.Flags().IntVar(&height, "height", 0, "frame height in sensor orientation")
	cmd.Flags().IntVar(&rotation, "rotation", 0, "clockwise rotation to upright (0, 90, 180, 270)")
	cmd.Flags().Float32SliceVar(&topLeft, "top-left", nil, "region top-left as x,y fractions (default 0.025,0.3)")
	cmd.Flags().Float32SliceVar(&size, "size", nil, "region size as w,h fractions (default 0.95,0.1)")
	cmd.MarkFlagRequired("width")
	cmd.MarkFlagRequired("height")

	return cmd
}

// regionFromFlags overlays the given pairs on the default region.
func regionFromFlags(topLeft, size []float32) (geometry.CropRegion, error) {
	region := geometry.DefaultRegion
	if topLeft != nil {
		if len(topLeft) != 2 {
			return region, fmt.Errorf("--top-left takes two values x,y, got %d", len(topLeft))
		}
		region.TopLeftScale = geometry.Offset{X: topLeft[0], Y: topLeft[1]}
	}
	if size != nil {
		if len(size) != 2 {
			return region, fmt.Errorf("--size takes two values w,h, got %d", len(size))
		}
		region.SizeScale = geometry.Size{W: size[0], H: size[1]}
	}
	return region, nil
}
