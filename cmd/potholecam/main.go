package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"potholecam/internal/auth"
	"potholecam/internal/capture"
	"potholecam/internal/config"
	"potholecam/internal/console"
	"potholecam/internal/detection"
	"potholecam/internal/location"
	"potholecam/internal/logging"
	"potholecam/internal/overlay"
	"potholecam/internal/pipeline"
	"potholecam/internal/report"
	"potholecam/internal/session"
	"potholecam/internal/stream"
	"potholecam/internal/telegram"
	"potholecam/internal/ws"
)

func main() {
	app := &cli.App{
		Name:  "potholecam",
		Usage: "live pothole detection from a camera, with reports",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "load settings from `FILE`"},
			&cli.StringFlag{Name: "detector", Usage: "detection service URL (overrides DETECTOR_URL)"},
			&cli.StringFlag{Name: "device", Usage: "camera device or URL (overrides CAMERA_DEVICE)"},
			&cli.StringFlag{Name: "http-addr", Usage: "dashboard listen address, empty disables it (overrides HTTP_ADDR)"},
			&cli.BoolFlag{Name: "headless", Usage: "no console menu; control through the dashboard or chat"},
			&cli.BoolFlag{Name: "live", Usage: "start live detection immediately"},
			&cli.BoolFlag{Name: "accessible", Usage: "plain line-based prompts"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}
	if c.IsSet("detector") {
		cfg.DetectorURL = c.String("detector")
	}
	if c.IsSet("device") {
		cfg.CameraDevice = c.String("device")
	}
	if c.IsSet("http-addr") {
		cfg.HTTPAddr = c.String("http-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, c.Bool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	headless := c.Bool("headless")
	prompter := console.NewPrompter(c.Bool("accessible"), os.Stdout)

	var bot *telegram.TelegramBot
	if cfg.TelegramEnabled {
		tcfg := telegramConfig(cfg, logger)
		if err := telegram.ValidateConfig(tcfg); err != nil {
			return err
		}
		bot = telegram.NewTelegramBot(tcfg)
	}

	var confirmer report.Confirmer = prompter
	if cfg.ReportAutoConfirm || headless {
		confirmer = report.AutoConfirm(cfg.ReportAutoConfirm)
	}
	ctrl := buildController(cfg, confirmer, bot, logger)

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	hub := ws.NewHub(logger)
	hubEvents, unsubscribeHub := ctrl.Events().SubscribeChannel(64)
	defer unsubscribeHub()
	go hub.Run(ctx, hubEvents)

	mjpeg := stream.NewMJPEGStream(ctrl, cfg.JPEGQuality, logger)
	streamEvents, unsubscribeStream := ctrl.Events().SubscribeChannel(8)
	defer unsubscribeStream()
	go mjpeg.Run(ctx, streamEvents)

	if cfg.HTTPAddr != "" {
		authenticator, err := auth.NewAuthenticator(auth.Options{
			Enabled:  cfg.AuthEnabled,
			Username: cfg.AuthUsername,
			Password: cfg.AuthPassword,
			Secret:   cfg.JWTSecret,
			Expiry:   cfg.JWTExpiry,
		})
		if err != nil {
			return err
		}
		handleHTTPServer(ctx, cfg.HTTPAddr, &dashboard{
			ctrl:    ctrl,
			auth:    authenticator,
			hub:     hub,
			mjpeg:   mjpeg,
			logger:  logger.Named("http"),
			started: time.Now(),
		}, &wg, errc)
	}

	if bot != nil {
		commands := telegram.NewCommandHandler(bot, ctrl, mjpeg.CurrentFrame)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := commands.StartPolling(ctx); err != nil {
				logger.Warnw("Telegram commands unavailable", "error", err)
			}
		}()
	}

	if c.Bool("live") {
		if err := ctrl.StartLive(ctx); err != nil {
			logger.Errorw("Could not start live detection", "error", err)
		}
	}

	if headless {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	} else {
		menuDone := make(chan error, 1)
		go func() { menuDone <- console.NewMenu(ctrl, prompter, logger).Run(ctx) }()
		select {
		case <-ctx.Done():
		case err = <-menuDone:
		case err = <-errc:
		}
	}
	logger.Infow("Exiting", "reason", exitReason(ctx, err))
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := ctrl.Close(closeCtx); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
		logger.Warnw("Teardown finished with errors", "error", cerr)
	}
	hub.Close()
	wg.Wait()
	logger.Infow("Exited")
	return err
}

func buildController(cfg *config.Config, confirmer report.Confirmer, bot *telegram.TelegramBot, logger *zap.SugaredLogger) *session.Controller {
	detector := detection.NewClient(detection.ClientConfig{Endpoint: cfg.DetectorURL, Logger: logger})

	camera := capture.NewSource(capture.Options{
		Device:      cfg.CameraDevice,
		InputFormat: cfg.CameraInputFormat,
		Width:       cfg.CameraWidth,
		Height:      cfg.CameraHeight,
		FPS:         cfg.CameraFPS,
	})
	if src, ok := camera.(*capture.FFmpegSource); ok {
		src.SetLogger(logger)
	}

	composerCfg := report.ComposerConfig{Dir: cfg.ReportDir, Quality: cfg.JPEGQuality, Logger: logger}
	if bot != nil {
		composerCfg.Notifier = bot
	}

	ctrlCfg := session.Config{
		Camera:          camera,
		Detector:        detector,
		Renderer:        overlay.NewRenderer(cfg.OverlayWidth, cfg.OverlayHeight),
		Reports:         report.NewComposer(report.NewClient(cfg.DetectorURL), confirmer, composerCfg),
		Events:          pipeline.NewEventBus[session.Event](),
		Interval:        cfg.CaptureInterval,
		Quality:         cfg.JPEGQuality,
		BufferSize:      cfg.BufferSize,
		SeverityFromAny: cfg.SeverityFromAny,
		Logger:          logger,
	}
	if provider := locationProvider(cfg); provider != nil {
		ctrlCfg.Locator = location.NewSampler(provider, logger)
	}
	return session.NewController(ctrlCfg)
}

// locationProvider prefers a GPS receiver, then a fixed position. nil means
// location stays unknown.
func locationProvider(cfg *config.Config) location.Provider {
	switch {
	case cfg.GPSDevice != "":
		return location.NewSerialProvider(cfg.GPSDevice, cfg.GPSBaudRate)
	case cfg.HasFixedLocation():
		return &location.StaticProvider{Location: location.Location{
			Latitude:  *cfg.GPSLatitude,
			Longitude: *cfg.GPSLongitude,
			Accuracy:  cfg.GPSAccuracy,
		}}
	default:
		return nil
	}
}

func telegramConfig(cfg *config.Config, logger *zap.SugaredLogger) telegram.Config {
	return telegram.Config{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Enabled:  cfg.TelegramEnabled,
		Logger:   logger,
	}
}

func exitReason(ctx context.Context, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case ctx.Err() != nil:
		return "signal"
	default:
		return "user quit"
	}
}
