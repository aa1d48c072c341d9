package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaberg/dock-station/internal/api"
	"github.com/jkaberg/dock-station/internal/app"
	"github.com/jkaberg/dock-station/internal/board"
	"github.com/jkaberg/dock-station/internal/bus"
	"github.com/jkaberg/dock-station/internal/config"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/ephem"
	"github.com/jkaberg/dock-station/internal/eventlog"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/jkaberg/dock-station/internal/mqtt"
	"github.com/jkaberg/dock-station/internal/transmission"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

// Simulated drone: lands and leaves every simDwellTicks ticks.
const (
	simDwellTicks = 240
	simNearCM     = 5
	simFarCM      = 150
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, probeMode, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Probe path ------------------------------------------------------------------
	if probeMode {
		runProbeMode(cfg, logger)
		return
	}

	logFields := logrus.Fields{
		"version":   version,
		"device_id": cfg.DeviceID,
		"tick":      cfg.TickPeriod(),
		"slots":     cfg.Inventory.Slots,
		"simulate":  cfg.Simulate,
		"mqtt_int":  cfg.GetMQTTInterval(),
	}
	if cfg.ForceUpdateInterval > 0 {
		logFields["force_update_int"] = cfg.GetForceUpdateInterval()
	}
	logger.WithFields(logFields).Info("Starting dock station controller")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Hardware ---------------------------------------------------------------------
	hardware, closeHardware, err := buildHardware(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open station hardware")
	}
	defer closeHardware()

	messageBus := bus.New()
	hardware.Sink = messageBus

	var events api.EventSource
	if cfg.EventLogPath != "" {
		log, err := eventlog.Open(cfg.EventLogPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open diagnostic log")
		}
		defer log.Close()
		hardware.Events = log
		events = log
		logger.WithField("path", cfg.EventLogPath).Info("Diagnostic log ready")
	}

	station, err := app.NewStation(cfg, hardware, time.Now(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build station")
	}

	// Transmitters ---------------------------------------------------------------
	var sinks []app.Sink

	if cfg.HasMQTT() {
		mqttClient, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer mqttClient.Disconnect(250)

		mqttTx := transmission.NewMQTTTransmitter(mqttClient, cfg.DeviceID, cfg.DiscoveryPrefix, logger)
		defer func() {
			if err := mqttTx.Offline(); err != nil {
				logger.WithError(err).Debug("Could not publish offline availability")
			}
		}()

		if err := mqttClient.Subscribe(mqttClient.GetCommandTopic(), commandHandler(station, logger)); err != nil {
			logger.WithError(err).Warn("Operator commands over MQTT unavailable")
		}
		sinks = append(sinks, app.Sink{Name: "MQTT", Tx: mqttTx, Interval: cfg.GetMQTTInterval(), Timeout: config.MQTTTimeout})
		logger.Info("MQTT transmitter ready")
	}

	if cfg.HasRedis() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		redisTx := transmission.NewRedisTransmitter(rdb, cfg.DeviceID, config.RedisHistory, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, config.RedisTimeout)
		if err := redisTx.Ping(pingCtx); err != nil {
			logger.WithError(err).Warn("Redis not reachable yet; will keep trying")
		}
		pingCancel()
		sinks = append(sinks, app.Sink{Name: "Redis", Tx: redisTx, Interval: config.RedisTransmitInterval, Timeout: config.RedisTimeout})
		logger.WithField("addr", cfg.RedisAddr).Info("Redis transmitter ready")
	}

	if cfg.HasKafka() {
		kafkaTx := transmission.NewKafkaTransmitter(transmission.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.DeviceID, logger)
		defer kafkaTx.Close()
		sinks = append(sinks, app.Sink{Name: "Kafka", Tx: kafkaTx, Interval: config.KafkaTransmitInterval, Timeout: config.KafkaTimeout})
		logger.WithField("topic", cfg.KafkaTopic).Info("Kafka transmitter ready")
	}

	if len(sinks) == 0 {
		logger.Warn("No transmitters configured; status is only served over HTTP")
	}

	// HTTP API -------------------------------------------------------------------
	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewRouter(station, events, station, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// Run application ------------------------------------------------------------
	err = app.Run(ctx, station, messageBus, app.Options{
		TickPeriod:          cfg.TickPeriod(),
		ForceUpdateInterval: cfg.GetForceUpdateInterval(),
		Sinks:               sinks,
		Server:              server,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Dock station stopped with error")
		return
	}
	logger.Info("Dock station stopped")
}

// commandHandler turns MQTT command messages into queued station commands.
func commandHandler(station *app.Station, logger *logrus.Logger) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		cmd, err := domain.ParseCommand(string(msg.Payload()))
		if err != nil {
			logger.WithError(err).WithField("topic", msg.Topic()).Warn("Ignoring MQTT command")
			return
		}
		if err := station.Enqueue(cmd); err != nil {
			logger.WithError(err).WithField("command", cmd).Warn("Dropping MQTT command")
			return
		}
		logger.WithField("command", cmd).Info("Operator command accepted over MQTT")
	}
}

func buildHardware(cfg *config.Config, logger *logrus.Logger) (app.Hardware, func(), error) {
	sun := ephem.NewSun(cfg.PanelParkAngle)

	if cfg.Simulate {
		dist := hw.NewFakeDistance(simFarCM)
		dist.Cycle(simNearCM, simFarCM, simDwellTicks)
		bms := hw.NewFakeBMS()
		bms.ChargeRate = 0.5
		bms.HeatRate = 0.05
		bms.CoolRate = 0.1
		logger.Warn("Running against simulated hardware")
		return app.Hardware{
			Distance: dist,
			Arm:      hw.NewFakeArm(),
			BMS:      bms,
			Sun:      sun,
			Panel:    &hw.FakePanel{},
			Cleaner:  &hw.FakeCleaner{},
		}, func() {}, nil
	}

	b, err := board.Open(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return app.Hardware{}, nil, err
	}
	closer := func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Debug("Closing I/O board")
		}
	}
	return app.Hardware{
		Distance: b.DistanceSensor(),
		Arm:      b,
		BMS:      b.BMS(),
		Sun:      sun,
		Panel:    b,
		Cleaner:  b,
	}, closer, nil
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() (*config.Config, bool, error) {
	path := configPath(os.Args[1:], getEnv("DOCK_STATION_CONFIG", "dock-station.yaml"))
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}

	showVersion := flag.Bool("version", false, "Show version and exit")
	probe := flag.Bool("probe", false, "Read every sensor once and exit")
	flag.String("config", path, "YAML configuration file")

	flag.StringVar(&cfg.DeviceID, "device-id", getEnv("DOCK_STATION_DEVICE_ID", orDefault(cfg.DeviceID, generateDeviceID())), "Station identifier")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnvBool("DOCK_STATION_VERBOSE", cfg.Verbose), "Verbose logging")
	flag.BoolVar(&cfg.Simulate, "simulate", getEnvBool("DOCK_STATION_SIMULATE", cfg.Simulate), "Run against simulated hardware")
	flag.StringVar(&cfg.Serial.Port, "serial-port", getEnv("DOCK_STATION_SERIAL_PORT", cfg.Serial.Port), "I/O board serial port")
	flag.IntVar(&cfg.Serial.Baud, "serial-baud", getEnvInt("DOCK_STATION_SERIAL_BAUD", cfg.Serial.Baud), "I/O board baud rate")
	flag.StringVar(&cfg.EventLogPath, "event-log", getEnv("DOCK_STATION_EVENT_LOG", cfg.EventLogPath), "SQLite diagnostic log path (empty disables)")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", getEnv("DOCK_STATION_HTTP_ADDR", cfg.HTTPAddr), "HTTP API listen address (empty disables)")
	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("DOCK_STATION_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("DOCK_STATION_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("DOCK_STATION_REDIS_ADDR", cfg.RedisAddr), "Redis address (host:port)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", getEnv("DOCK_STATION_KAFKA_TOPIC", cfg.KafkaTopic), "Kafka topic")
	flag.Float64Var(&cfg.Site.Latitude, "latitude", getEnvFloat("DOCK_STATION_LATITUDE", cfg.Site.Latitude), "Station latitude")
	flag.Float64Var(&cfg.Site.Longitude, "longitude", getEnvFloat("DOCK_STATION_LONGITUDE", cfg.Site.Longitude), "Station longitude")

	kafkaBrokers := flag.String("kafka-brokers", getEnv("DOCK_STATION_KAFKA_BROKERS", strings.Join(cfg.KafkaBrokers, ",")), "Comma separated Kafka brokers")
	tickStr := flag.String("tick-period", getEnv("DOCK_STATION_TICK_PERIOD", ""), "Control loop period (e.g. 500ms)")
	mqttIntervalStr := flag.String("mqtt-interval", getEnv("DOCK_STATION_MQTT_INTERVAL", ""), "MQTT interval (e.g. 60s)")
	forceUpdateIntervalStr := flag.String("force-update-interval", getEnv("DOCK_STATION_FORCE_UPDATE_INTERVAL", ""), "Resend unchanged status at this interval (e.g. 10m, 0 = disabled)")
	cleaningIntervalStr := flag.String("cleaning-interval", getEnv("DOCK_STATION_CLEANING_INTERVAL", ""), "Panel cleaning interval (e.g. 3h)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("dock-station %s\n", version)
		os.Exit(0)
	}

	cfg.KafkaBrokers = splitList(*kafkaBrokers)

	// Duration overrides
	if d, ok := parseDuration(*tickStr, time.Millisecond); ok && d > 0 {
		cfg.TickPeriodMS = int(d / time.Millisecond)
	}
	if d, ok := parseDuration(*mqttIntervalStr, time.Second); ok && d > 0 {
		cfg.MQTTInterval = int(d / time.Second)
	}
	if d, ok := parseDuration(*forceUpdateIntervalStr, time.Second); ok && d >= 0 {
		cfg.ForceUpdateInterval = int(d / time.Second)
	}
	if d, ok := parseDuration(*cleaningIntervalStr, time.Second); ok && d > 0 {
		cfg.CleaningIntervalSeconds = int(d / time.Second)
	}

	return cfg, *probe, nil
}

// configPath finds -config before the flag set exists, so the file can
// supply the defaults the other flags start from.
func configPath(args []string, def string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

// parseDuration accepts Go durations or a bare number in unit.
func parseDuration(s string, unit time.Duration) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, true
	}
	if v, err := strconv.Atoi(s); err == nil {
		return time.Duration(v) * unit, true
	}
	return 0, false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func generateDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dock_station"
	}
	return mqtt.BuildCleanTopic(host)
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// runProbeMode reads the distance sensor and every inventory battery once.
func runProbeMode(cfg *config.Config, logger *logrus.Logger) {
	logger.SetLevel(logrus.DebugLevel)
	hardware, closeHardware, err := buildHardware(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Probe failed")
	}
	defer closeHardware()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HardwareTimeout())
	defer cancel()

	if cm, err := hardware.Distance.Read(ctx); err != nil {
		logger.WithError(err).Warn("Distance read failed")
	} else {
		logger.WithField("cm", cm).Info("Distance")
	}

	ids := append([]string{cfg.Inventory.DroneBattery}, cfg.Inventory.SlotBatteries...)
	for _, id := range ids {
		if id == "" {
			continue
		}
		r, err := hardware.BMS.Read(ctx, domain.BatteryID(id))
		if err != nil {
			logger.WithError(err).WithField("battery", id).Warn("Battery read failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"battery": id,
			"charge":  r.Charge,
			"temp":    r.Temperature,
		}).Info("Battery")
	}

	now := time.Now()
	pos := ephem.SunPosition(now, hw.Site{Latitude: cfg.Site.Latitude, Longitude: cfg.Site.Longitude})
	logger.WithFields(logrus.Fields{
		"azimuth":   fmt.Sprintf("%.1f", pos.Azimuth),
		"elevation": fmt.Sprintf("%.1f", pos.Elevation),
	}).Info("Sun")
}
