package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"affine-aligner/internal/alignment"
	"affine-aligner/internal/centroid"
	"affine-aligner/internal/features"
	pcimage "affine-aligner/internal/image"
	"affine-aligner/pkg/colorutil"
	"affine-aligner/pkg/geometry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errSomeFailed signals a completed run in which at least one image could not
// be aligned.
var errSomeFailed = errors.New("one or more images could not be aligned")

type alignFlags struct {
	backgroundDia   int
	featureSize     int
	thresholdFactor float64
	scaleFactor     float64
	percentile      float64
	axis            string
	workers         int
	seed            int64
	overlayDir      string
	masks           []string
	borderWidth     int
}

func newAlignCmd() *cobra.Command {
	defaults := alignment.DefaultOptions()
	f := &alignFlags{}

	cmd := &cobra.Command{
		Use:   "align [flags] IMAGE...",
		Short: "Align images to the reference chosen by centre of mass",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := initLogger(debugMode)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAlign(ctx, cmd.OutOrStdout(), logger, f, args)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.backgroundDia, "background-dia", defaults.BackgroundDia, "background blur kernel width in pixels")
	flags.IntVar(&f.featureSize, "feature-size", defaults.FeatureSize, "maximum keypoints per image")
	flags.Float64Var(&f.thresholdFactor, "threshold-factor", defaults.ThresholdFactor, "detector strictness and match cutoff factor")
	flags.Float64Var(&f.scaleFactor, "scale-factor", defaults.ScaleFactor, "brightness gain before keypoint detection")
	flags.Float64Var(&f.percentile, "percentile", defaults.Percentile, "reference position along the axis, 0-100")
	flags.StringVar(&f.axis, "axis", defaults.Axis.String(), "ranking axis: row or column")
	flags.IntVar(&f.workers, "workers", 0, "parallel images (0 = number of CPUs)")
	flags.Int64Var(&f.seed, "seed", defaults.RANSAC.Seed, "RANSAC sampling seed")
	flags.StringVar(&f.overlayDir, "overlay-dir", "", "write reference/target overlay PNGs to this directory")
	flags.StringSliceVar(&f.masks, "mask", nil, "reference-frame mask image to outline on every aligned image (repeatable)")
	flags.IntVar(&f.borderWidth, "border-width", 2, "mask outline width in pixels")

	return cmd
}

func (f *alignFlags) options(logger logrus.FieldLogger) (alignment.Options, error) {
	axis, err := centroid.ParseAxis(f.axis)
	if err != nil {
		return alignment.Options{}, err
	}

	opts := alignment.DefaultOptions()
	opts.BackgroundDia = f.backgroundDia
	opts.FeatureSize = f.featureSize
	opts.ThresholdFactor = f.thresholdFactor
	opts.ScaleFactor = f.scaleFactor
	opts.Percentile = f.percentile
	opts.Axis = axis
	opts.Workers = f.workers
	opts.RANSAC.Seed = f.seed
	opts.Logger = logger
	return opts, opts.Validate()
}

func runAlign(ctx context.Context, out io.Writer, logger *logrus.Logger, f *alignFlags, paths []string) error {
	opts, err := f.options(logger)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if !pcimage.IsSupportedFormat(p) {
			return fmt.Errorf("unsupported image format: %s", p)
		}
	}
	if len(f.masks) > 0 && f.overlayDir == "" {
		return errors.New("--mask requires --overlay-dir")
	}
	if f.borderWidth < 1 {
		return fmt.Errorf("%w: %d", pcimage.ErrInvalidBorderWidth, f.borderWidth)
	}
	images, err := pcimage.LoadAll(paths)
	if err != nil {
		return err
	}
	masks, err := pcimage.LoadAll(f.masks)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"images": len(images),
		"masks":  len(masks),
	}).Info("Images loaded")

	batch, err := alignment.AlignImages(ctx, images, opts)
	if batch == nil {
		return err
	}
	printBatch(out, batch, images, paths)
	if err != nil {
		return err
	}

	if f.overlayDir != "" {
		if err := writeOverlays(f.overlayDir, batch, images, paths); err != nil {
			return err
		}
		if len(masks) > 0 {
			if err := writeBorders(f.overlayDir, batch, images, paths, masks, f.borderWidth, logger); err != nil {
				return err
			}
		}
		logger.WithField("dir", f.overlayDir).Info("Overlays written")
	}

	if len(batch.Failures()) > 0 {
		return errSomeFailed
	}
	return nil
}

// printBatch writes one line per image: its 2x3 matrix or why it failed.
func printBatch(out io.Writer, batch *alignment.BatchResult, images []*pcimage.Gray, paths []string) {
	fmt.Fprintf(out, "reference: %s\n", paths[batch.Reference])
	if r := batch.Ranking; r != nil && len(r.Centroids) > batch.Reference {
		c := r.Centroids[batch.Reference]
		s := images[batch.Reference].Spacing()
		fmt.Fprintf(out, "reference centroid: row %.2f col %.2f (%.3f, %.3f mm)\n", c.Y, c.X, c.Y*s, c.X*s)
	}
	for _, res := range batch.Results {
		fmt.Fprintln(out, formatResult(paths[res.Index], res))
	}
}

func formatResult(path string, res alignment.Result) string {
	if !res.OK() {
		return fmt.Sprintf("%s: FAILED at %s: %v", path, res.Stage, res.Err)
	}
	m := res.Transform.ToMatrix()
	return fmt.Sprintf("%s: [[%.6f %.6f %.3f] [%.6f %.6f %.3f]] matches=%d inliers=%d rmse=%.3f mean=%.3f",
		path, m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2], res.Matches, res.Inliers, res.RMSE, res.MeanError)
}

// writeOverlays warps every aligned image into the reference frame and saves
// a magenta/cyan composite per image, with the inlier keypoints circled in
// green and their hull outlined in white.
func writeOverlays(dir string, batch *alignment.BatchResult, images []*pcimage.Gray, paths []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}

	ref := images[batch.Reference]
	for _, res := range batch.Results {
		idx := res.Index
		if idx == batch.Reference || !res.OK() {
			continue
		}
		warped, err := pcimage.Warp(images[idx], res.Transform, ref.Width, ref.Height)
		if err != nil {
			return fmt.Errorf("warp %s: %w", paths[idx], err)
		}
		rgba, err := pcimage.Overlay(ref, warped)
		if err != nil {
			return fmt.Errorf("overlay %s: %w", paths[idx], err)
		}
		refPts, _ := features.Points(res.Pairs)
		if err := pcimage.DrawPolygon(rgba, geometry.ConvexHull(refPts), colorutil.White); err != nil {
			return err
		}
		if err := pcimage.DrawMarkers(rgba, refPts, 4, colorutil.Green); err != nil {
			return err
		}
		if err := savePNG(dir, idx, paths[idx], "overlay", rgba); err != nil {
			return err
		}
	}
	return nil
}

// writeBorders outlines the reference-frame masks on every aligned image in
// its own frame, mapping them through the inverse of the image's transform.
func writeBorders(dir string, batch *alignment.BatchResult, images []*pcimage.Gray, paths []string,
	masks []*pcimage.Gray, width int, logger logrus.FieldLogger) error {

	for _, res := range batch.Results {
		if !res.OK() {
			continue
		}
		idx := res.Index
		inv, ok := res.Transform.Inverse()
		if !ok {
			logger.WithField("image", idx).Warn("Transform not invertible, skipping mask outlines")
			continue
		}
		borders, err := pcimage.Borders(masks, inv, width)
		if err != nil {
			return fmt.Errorf("outline %s: %w", paths[idx], err)
		}
		outlined, err := pcimage.OverlayBorders(images[idx], borders, colorutil.White, colorutil.Green)
		if err != nil {
			return fmt.Errorf("outline %s: %w", paths[idx], err)
		}
		if err := savePNG(dir, idx, paths[idx], "borders", outlined); err != nil {
			return err
		}
	}
	return nil
}

func savePNG(dir string, idx int, path, kind string, img image.Image) error {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dst := filepath.Join(dir, fmt.Sprintf("%03d_%s_%s.png", idx, name, kind))
	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", dst, err)
	}
	return file.Close()
}
