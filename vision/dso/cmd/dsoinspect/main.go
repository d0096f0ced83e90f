// Package main is a small tool that seeds a two keyframe window from settings and intrinsics and
// prints the derived state the optimizer would start from.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/metrics"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
	"go.viam.com/dso/vision/dso/hessian"
	"go.viam.com/dso/vision/dso/photometric"
)

const (
	flagSettings = "settings"
	flagFx       = "fx"
	flagFy       = "fy"
	flagCx       = "cx"
	flagCy       = "cy"
	flagResponse = "response"
	flagRaw      = "raw"
	flagDebug    = "debug"
	flagLogLevel = "log-level"

	imageWidth  = 64
	imageHeight = 48
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	var logger logging.Logger
	return &cli.App{
		Name:   "dsoinspect",
		Usage:  "inspect the initial state of an odometry window",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagSettings,
				Usage: "load settings from json `FILE`",
			},
			&cli.Float64Flag{Name: flagFx, Value: 500, Usage: "focal length x"},
			&cli.Float64Flag{Name: flagFy, Value: 500, Usage: "focal length y"},
			&cli.Float64Flag{Name: flagCx, Value: 320, Usage: "principal point x"},
			&cli.Float64Flag{Name: flagCy, Value: 240, Usage: "principal point y"},
			&cli.StringFlag{
				Name:  flagResponse,
				Usage: "fitted inverse response `FILE` with 256 values",
			},
			&cli.BoolFlag{
				Name:  flagRaw,
				Usage: "intrinsics are given in raw optimizer units",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log at `LEVEL` (debug, info, warn or error); silent when unset",
			},
		},
		Before: func(c *cli.Context) error {
			switch {
			case c.Bool(flagDebug):
				logger = logging.NewDebugLogger("dsoinspect")
			case c.String(flagLogLevel) != "":
				level, err := logging.LevelFromString(c.String(flagLogLevel))
				if err != nil {
					return err
				}
				logger = logging.NewLogger("dsoinspect")
				logger.SetLevel(level)
			default:
				logger = logging.NewBlankLogger("dsoinspect")
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return inspect(c, logger)
		},
	}
}

func inspect(c *cli.Context, logger logging.Logger) (err error) {
	settings := dso.DefaultSettings()
	if path := c.String(flagSettings); path != "" {
		if settings, err = dso.LoadSettings(path); err != nil {
			return err
		}
	}

	m := metrics.NewRegistry()
	intrinsics := calib.Intrinsics{c.Float64(flagFx), c.Float64(flagFy), c.Float64(flagCx), c.Float64(flagCy)}
	var cal *calib.Calibration
	if c.Bool(flagRaw) {
		cal = calib.New(intrinsics, m)
	} else {
		cal = calib.NewFromScaled(intrinsics, m)
	}
	defer cal.Close()

	if path := c.String(flagResponse); path != "" {
		response, err := readResponse(path)
		if err != nil {
			return err
		}
		cal.SetResponse(response)
		logger.Infow("response loaded", "path", path)
	}

	w, err := hessian.NewWindow(cal, settings, logger.Sublogger("window"), m)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, w.Close())
	}()

	poses := []spatialmath.SE3{
		spatialmath.NewZeroSE3(),
		spatialmath.NewSE3(spatialmath.NewZeroSE3().Rotation(), r3.Vector{X: -1}),
	}
	for id, pose := range poses {
		if _, err := w.AdmitFrame(hessian.FrameConfig{
			ID:           id,
			ExposureTime: 1,
			WorldToCam:   pose,
			AffG2L:       photometric.AffLight{},
			Levels:       []hessian.ImageLevel{syntheticImage()},
		}); err != nil {
			return err
		}
	}
	if err := w.RefreshPrecalc(); err != nil {
		return err
	}

	snap := cal.Snapshot()
	out := c.App.Writer
	fmt.Fprintf(out, "intrinsics raw:     %v\n", snap.Value)
	fmt.Fprintf(out, "intrinsics scaled:  %v\n", snap.ValueScaled)
	fmt.Fprintf(out, "intrinsics inverse: %v\n", snap.ValueScaledInverse)

	anchor, _ := w.Frame(0)
	fmt.Fprintf(out, "anchor prior:       %v\n", anchor.GetPrior())
	gs, err := anchor.GradientStats(0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "gradient median:    %g p90: %g max: %g\n", gs.Median, gs.P90, gs.Max)

	pre, ok := w.Precalc(0, 1)
	if !ok {
		return errors.New("no precalc between the two frames")
	}
	fmt.Fprintf(out, "baseline:           %g\n", pre.DistanceLL)
	fmt.Fprintf(out, "affine 0->1:        %v\n", pre.AffMode)
	fmt.Fprintf(out, "live objects:       %+v\n", m.Snapshot())
	return nil
}

func readResponse(path string) (*photometric.Response, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening response %q", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Print(err)
		}
	}()
	return photometric.ParseResponse(f)
}

// syntheticImage is a diagonal ramp, enough to exercise the gradient buffers.
func syntheticImage() hessian.ImageLevel {
	pixels := make([]float32, imageWidth*imageHeight)
	for y := 0; y < imageHeight; y++ {
		for x := 0; x < imageWidth; x++ {
			pixels[x+y*imageWidth] = float32(2*x + y)
		}
	}
	return hessian.ImageLevel{Width: imageWidth, Height: imageHeight, Pixels: pixels}
}
