// Command potholecam-cli runs one-shot analyses against the detection service.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"potholecam/internal/console"
	"potholecam/internal/detection"
	"potholecam/internal/logging"
	"potholecam/internal/session"
)

const (
	flagDetector = "detector"
	flagAnyRule  = "severity-from-any"
	flagSave     = "save-result"
	flagDebug    = "debug"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var logger *zap.SugaredLogger

	return &cli.App{
		Name:  "potholecam-cli",
		Usage: "analyze road images for potholes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagDetector,
				Usage:   "detection service URL",
				Value:   "http://localhost:5000",
				EnvVars: []string{"DETECTOR_URL"},
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if c.Bool(flagDebug) {
				logger, err = logging.NewLogger("debug", true)
			} else {
				logger = logging.NewNop()
			}
			return err
		},
		Commands: []*cli.Command{
			{
				Name:      "analyze",
				Usage:     "detect potholes in a single image",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagAnyRule,
						Usage: "show the severity panel when any detection carries severity",
					},
					&cli.StringFlag{
						Name:  flagSave,
						Usage: "write the annotated result image to `FILE`",
					},
				},
				Action: func(c *cli.Context) error {
					return analyze(c, logger)
				},
			},
		},
	}
}

func analyze(c *cli.Context, logger *zap.SugaredLogger) error {
	if c.NArg() != 1 {
		return cli.Exit("analyze takes exactly one image path", 2)
	}
	path := c.Args().First()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if !session.IsImage(path, data) {
		return cli.Exit(fmt.Sprintf("%s is not an image", path), 2)
	}

	client := detection.NewClient(detection.ClientConfig{
		Endpoint: c.String(flagDetector),
		Logger:   logger,
	})
	res, err := client.DetectImage(c.Context, filepath.Base(path), data)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	analysis := detection.Summarize(res, c.Bool(flagAnyRule))
	fmt.Fprintln(c.App.Writer, console.FormatAnalysis(analysis))

	if out := c.String(flagSave); out != "" && res.ResultImage != "" {
		img, err := client.FetchResultImage(c.Context, res.ResultImage)
		if err != nil {
			return fmt.Errorf("failed to fetch result image: %w", err)
		}
		if err := os.WriteFile(out, img, 0o644); err != nil {
			return fmt.Errorf("failed to save result image: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "Saved annotated image to %s\n", out)
	}
	return nil
}
