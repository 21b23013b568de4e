package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"camrelay/internal/capture"
	"camrelay/internal/config"
	"camrelay/internal/delivery"
	"camrelay/internal/health"
	"camrelay/internal/host"
	"camrelay/internal/ingest"
	"camrelay/internal/logging"
	"camrelay/internal/model"
	"camrelay/internal/modem"
	"camrelay/internal/mount"
	"camrelay/internal/notify"
	"camrelay/internal/resync"
	"camrelay/internal/sensor"
	"camrelay/internal/sink"
	"camrelay/internal/store"
	"camrelay/internal/udev"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "camrelay"
	app.Usage = "pull captures off a camera and deliver them to object storage"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "/opt/timelapse/config/camrelay.yaml",
			Usage:  "path to the YAML config file",
			EnvVar: "CAMRELAY_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log.level from the config file",
		},
		cli.BoolFlag{
			Name:  "once",
			Usage: "run a single ingest cycle and exit",
		},
	}
	app.Action = runCmd
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the ingest loop and health supervisor (default)",
			Action: runCmd,
		},
		{
			Name:   "status",
			Usage:  "print the delivery backlog summary",
			Action: statusCmd,
		},
		{
			Name:   "check-config",
			Usage:  "validate the config file and exit",
			Action: checkConfigCmd,
		},
		{
			Name:   "watch",
			Usage:  "print camera hot-plug events",
			Action: watchCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if errors.Is(err, config.ErrConfigMissing) {
		return nil, fmt.Errorf("wrote a template to %s; edit it and start again", c.GlobalString("config"))
	}
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func checkConfigCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: sink=%s bucket=%s notify=%s sms=%t\n",
		cfg.Sink.Kind, cfg.Sink.Bucket, cfg.Notify.Kind, cfg.Notify.SMS.Enabled)
	return nil
}

func statusCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := st.Summarize(ctx, cfg.Ingest.MaxRetries)
	if err != nil {
		return err
	}
	fmt.Printf("pending=%d success=%d backup=%d exhausted=%d\n", sum.Pending, sum.Success, sum.Backup, sum.Exhausted)

	backlog, err := st.ListBacklog(ctx, cfg.Ingest.MaxRetries)
	if err != nil {
		return err
	}
	for _, f := range backlog {
		fmt.Printf("  %s retries=%d last_error=%q\n", f.Filename, f.Retries, f.LastError)
	}
	return nil
}

func watchCmd(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("listening for usb partitions...")
	err := udev.Run(ctx, func(ev udev.Event) {
		fmt.Printf("%s %s devpath=%s serial=%s fs_uuid=%s\n",
			ev.Action, ev.DevName, ev.DevPath, ev.Props["ID_SERIAL"], ev.Props["ID_FS_UUID"])
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Paths.TempDir, cfg.Paths.ScratchDir, cfg.Paths.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(ctx, cfg.Paths.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	channel, closeNotify := buildNotifier(ctx, cfg, logger)
	defer closeNotify()

	sk, closeSink, err := openSink(ctx, cfg, channel)
	if err != nil {
		return err
	}
	defer closeSink()

	cam := capture.New(capture.Config{
		DevNode:             cfg.Device.DevNode,
		MountPoint:          cfg.Device.MountPoint,
		MediaDirs:           cfg.Device.MediaDirs,
		Extensions:          cfg.Device.Extensions,
		TempDir:             cfg.Paths.TempDir,
		ConnectRetries:      cfg.Device.ConnectRetries,
		ConnectDelay:        cfg.Device.ConnectDelay,
		DeleteAfterDelivery: cfg.Device.DeleteAfterDelivery,
		DeviceID:            cfg.Device.DeviceID,
	}, mount.System{},
		capture.WithLogger(component(logger, "capture")),
		capture.WithResetter(capture.CommandResetter{Argv: cfg.Device.ResetCommand}),
		capture.WithNotifier(channel),
	)

	engine := delivery.New(st, sk, channel, delivery.Config{
		ScratchDir: cfg.Paths.ScratchDir,
		BackupDir:  cfg.Paths.BackupDir,
		KeyPrefix:  cfg.Sink.Prefix,
	},
		delivery.WithLogger(component(logger, "delivery")),
		delivery.WithNamespace(cam.DeviceID),
	)
	job := resync.New(st, engine, channel, cfg.Ingest.MaxRetries, resync.WithLogger(component(logger, "resync")))

	var power ingest.PowerSensor = sensor.MainsOnly{}
	var closers []io.Closer
	if cfg.Power.Enabled {
		pin, err := sensor.OpenPowerPin(cfg.Power.GPIORoot, cfg.Power.Pin)
		if err != nil {
			return fmt.Errorf("power pin: %w", err)
		}
		power = pin
		closers = append(closers, pin)
	}

	var rebooter host.Rebooter = host.Syscall{}
	if len(cfg.Host.RebootCommand) > 0 {
		rebooter = host.Command{Argv: cfg.Host.RebootCommand}
	}

	loop := ingest.New(ingest.Deps{
		Camera:   cam,
		Ledger:   st,
		Engine:   engine,
		Backlog:  job,
		Power:    power,
		Notify:   channel,
		Rebooter: rebooter,
	}, ingest.Config{
		PollInterval:           cfg.Ingest.PollInterval,
		ErrorCooldown:          cfg.Ingest.ErrorCooldown,
		MaxConsecutiveFailures: cfg.Ingest.MaxConsecutiveFailures,
		RecentCapacity:         cfg.Ingest.RecentCapacity,
		Once:                   c.GlobalBool("once"),
	}, ingest.WithLogger(component(logger, "ingest")))

	supervisor := health.New(channel,
		sensor.Disk{Path: cfg.Health.DiskPath},
		sensor.Thermal{Path: cfg.Health.ThermalPath},
		health.Config{
			Interval:                cfg.Health.Interval,
			ErrorBackoff:            cfg.Health.ErrorBackoff,
			DiskWarningFreePercent:  cfg.Health.DiskWarningFreePercent,
			DiskCriticalFreePercent: cfg.Health.DiskCriticalFreePercent,
			TempWarningC:            cfg.Health.TempWarningC,
			TempCriticalC:           cfg.Health.TempCriticalC,
		},
		health.WithLogger(component(logger, "health")),
	)

	logger.Info().
		Str("version", version).
		Str("db", cfg.Paths.DBPath).
		Str("sink", cfg.Sink.Kind).
		Str("bucket", cfg.Sink.Bucket).
		Str("dev", cfg.Device.DevNode).
		Msg("camrelay starting")

	if c.GlobalBool("once") {
		if err := supervisor.Check(ctx); err != nil {
			logger.Warn().Err(err).Msg("health check failed")
		}
		err := loop.Run(ctx)
		loop.Cleanup(ctx, closers...)
		return err
	}

	bg, cancelBG := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.Run(bg)
	}()

	if cfg.Device.Hotplug {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := udev.Run(bg, func(ev udev.Event) {
				if ev.Action == "add" {
					logger.Info().Str("dev", ev.DevName).Msg("usb partition attached")
					loop.Wake()
				}
			})
			if err != nil && bg.Err() == nil {
				logger.Warn().Err(err).Msg("udev monitor stopped")
			}
		}()
	}

	err = loop.Run(ctx)
	cancelBG()
	wg.Wait()
	loop.Cleanup(ctx, closers...)
	return err
}

// buildNotifier wires the primary transport and the SMS fallback. A modem
// that cannot be brought up is announced on the primary; startup continues.
func buildNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*notify.Channel, func()) {
	var closers []func()
	var modemErr error

	var primary notify.Transport
	switch cfg.Notify.Kind {
	case "mqtt":
		m := notify.NewMQTT(cfg.Notify.MQTT.Broker, cfg.Notify.MQTT.ClientID, cfg.Notify.MQTT.Topic, cfg.Notify.MQTT.QoS)
		m.Title = cfg.Notify.Ntfy.Title
		closers = append(closers, m.Close)
		primary = m
	default:
		n := notify.NewNtfy(cfg.Notify.Ntfy.Server, cfg.Notify.Ntfy.Topic)
		n.Title = cfg.Notify.Ntfy.Title
		n.Tags = cfg.Notify.Ntfy.Tags
		n.Client.Timeout = cfg.Notify.Ntfy.Timeout
		primary = n
	}

	var secondary notify.Transport
	if cfg.Notify.SMS.Enabled {
		mlog := component(logger, "modem")
		m, err := modem.Open(cfg.Notify.SMS.Device, cfg.Notify.SMS.Baud, modem.WithLogger(mlog))
		if err != nil {
			// still start: the primary path may work and the modem may come back
			// after a restart
			mlog.Error().Err(err).Msg("modem unavailable, running without SMS fallback")
			modemErr = err
		} else {
			if err := m.Init(); err != nil {
				mlog.Warn().Err(err).Msg("modem init incomplete")
				modemErr = err
			}
			closers = append(closers, func() { _ = m.Close() })
			secondary = notify.NewSMS(m, cfg.Notify.SMS.Recipient)
		}
	}

	ch := notify.New(primary, secondary, notify.WithLogger(component(logger, "notify")))
	if modemErr != nil {
		ch.Notify(ctx, "4G modem initialization failed", model.PriorityHigh)
	}
	return ch, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

type alerter interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

// openSink builds the configured sink and raises a HIGH alert when it cannot.
func openSink(ctx context.Context, cfg *config.Config, n alerter) (sink.Sink, func(), error) {
	sk, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		n.Notify(ctx, fmt.Sprintf("Cloud storage initialization failed: %v", err), model.PriorityHigh)
		return nil, nil, err
	}
	return sk, closeSink, nil
}

func buildSink(ctx context.Context, cfg *config.Config) (sink.Sink, func(), error) {
	switch cfg.Sink.Kind {
	case "s3":
		s, err := sink.NewS3(sink.S3Config{
			Bucket:          cfg.Sink.Bucket,
			Region:          cfg.Sink.S3.Region,
			Endpoint:        cfg.Sink.S3.Endpoint,
			AccessKeyID:     cfg.Sink.S3.AccessKeyID,
			SecretAccessKey: cfg.Sink.S3.SecretAccessKey,
			PathStyle:       cfg.Sink.S3.PathStyle,
			MaxRetries:      cfg.Sink.S3.MaxRetries,
			Timeout:         cfg.Sink.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		gcfg := sink.GCSConfig{
			Bucket:    cfg.Sink.Bucket,
			CredsJSON: cfg.Sink.GCS.CredentialsFile,
			Timeout:   cfg.Sink.Timeout,
		}
		client, err := sink.NewGCSClient(ctx, gcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		return sink.NewGCS(client, gcfg), func() { _ = client.Close() }, nil
	}
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
