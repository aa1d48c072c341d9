package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the dock station controller
type Config struct {
	// Station behaviour
	CleaningIntervalSeconds int     `yaml:"cleaning_interval_seconds" json:"cleaning_interval_seconds"`
	DockDistanceThresholdCM float64 `yaml:"dock_distance_threshold_cm" json:"dock_distance_threshold_cm"`
	DebounceTicks           int     `yaml:"debounce_ticks" json:"debounce_ticks"`
	ChargeCompleteThreshold float64 `yaml:"charge_complete_threshold" json:"charge_complete_threshold"`
	OverheatTempC           float64 `yaml:"overheat_temp_c" json:"overheat_temp_c"`
	ResumeTempC             float64 `yaml:"resume_temp_c" json:"resume_temp_c"`
	PanelDeadbandDegrees    float64 `yaml:"panel_deadband_degrees" json:"panel_deadband_degrees"`
	PanelMinIntervalSeconds int     `yaml:"panel_min_interval_seconds" json:"panel_min_interval_seconds"`
	PanelParkAngle          float64 `yaml:"panel_park_angle" json:"panel_park_angle"`
	TickPeriodMS            int     `yaml:"tick_period_ms" json:"tick_period_ms"`
	SensorTimeoutMS         int     `yaml:"sensor_timeout_ms" json:"sensor_timeout_ms"`
	HardwareTimeoutMS       int     `yaml:"hardware_timeout_ms" json:"hardware_timeout_ms"`

	Site      Site      `yaml:"site" json:"site"`
	Inventory Inventory `yaml:"inventory" json:"inventory"`
	Serial    Serial    `yaml:"serial" json:"serial"`

	// Run against the built-in simulated hardware instead of the I/O board
	Simulate bool `yaml:"simulate" json:"simulate"`

	EventLogPath string `yaml:"event_log_path" json:"event_log_path"`
	HTTPAddr     string `yaml:"http_addr" json:"http_addr"`

	// Monitoring transports
	MQTTUrl             string   `yaml:"mqtt_url" json:"mqtt_url"`                 // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix     string   `yaml:"discovery_prefix" json:"discovery_prefix"` // Home Assistant discovery prefix
	MQTTInterval        int      `yaml:"mqtt_interval" json:"mqtt_interval"`       // seconds
	RedisAddr           string   `yaml:"redis_addr" json:"redis_addr"`
	KafkaBrokers        []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic          string   `yaml:"kafka_topic" json:"kafka_topic"`
	ForceUpdateInterval int      `yaml:"force_update_interval" json:"force_update_interval"` // seconds

	DeviceID string `yaml:"device_id" json:"device_id"` // Unique station identifier
	Verbose  bool   `yaml:"verbose" json:"verbose"`
}

// Site is the station location used by the sun ephemeris.
type Site struct {
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
}

// Inventory is the battery layout at start-up.
type Inventory struct {
	Slots         int      `yaml:"slots" json:"slots"`
	DroneBattery  string   `yaml:"drone_battery" json:"drone_battery"`
	SlotBatteries []string `yaml:"slot_batteries" json:"slot_batteries"` // "" leaves a slot empty
	Charged       []string `yaml:"charged" json:"charged"`
}

// Serial is the I/O board port.
type Serial struct {
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		CleaningIntervalSeconds: DefaultCleaningIntervalSeconds,
		DockDistanceThresholdCM: DefaultDockDistanceThresholdCM,
		DebounceTicks:           DefaultDebounceTicks,
		ChargeCompleteThreshold: DefaultChargeCompleteThreshold,
		OverheatTempC:           DefaultOverheatTempC,
		ResumeTempC:             DefaultResumeTempC,
		PanelDeadbandDegrees:    DefaultPanelDeadbandDegrees,
		PanelParkAngle:          DefaultPanelParkAngle,
		TickPeriodMS:            DefaultTickPeriodMS,
		SensorTimeoutMS:         DefaultSensorTimeoutMS,
		HardwareTimeoutMS:       DefaultHardwareTimeoutMS,

		Inventory: Inventory{
			Slots:         4,
			DroneBattery:  "B0",
			SlotBatteries: []string{"B1", "B2", "B3"},
			Charged:       []string{"B1", "B2"},
		},
		Serial: Serial{Port: "/dev/ttyUSB0", Baud: 115200},

		EventLogPath:        "dock-station.db",
		HTTPAddr:            ":8090",
		DiscoveryPrefix:     "homeassistant",
		MQTTInterval:        int(MQTTTransmitInterval / time.Second),
		KafkaTopic:          "dock-station.status",
		ForceUpdateInterval: int(ForceUpdateInterval / time.Second),
		DeviceID:            "", // Will be derived from the hostname
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if c.TickPeriodMS <= 0 {
		return fmt.Errorf("tick_period_ms must be positive")
	}
	if c.DebounceTicks < 1 {
		return fmt.Errorf("debounce_ticks must be at least 1")
	}
	if c.DockDistanceThresholdCM <= 0 {
		return fmt.Errorf("dock_distance_threshold_cm must be positive")
	}
	if c.ResumeTempC >= c.OverheatTempC {
		return fmt.Errorf("resume_temp_c (%.1f) must be below overheat_temp_c (%.1f)", c.ResumeTempC, c.OverheatTempC)
	}
	if c.ChargeCompleteThreshold <= 0 || c.ChargeCompleteThreshold > 100 {
		return fmt.Errorf("charge_complete_threshold must be in (0, 100]")
	}
	if c.PanelDeadbandDegrees < 0 {
		return fmt.Errorf("panel_deadband_degrees must not be negative")
	}
	if c.Inventory.Slots < 1 {
		return fmt.Errorf("inventory needs at least one slot")
	}
	if len(c.Inventory.SlotBatteries) > c.Inventory.Slots {
		return fmt.Errorf("inventory lists %d slot batteries for %d slots", len(c.Inventory.SlotBatteries), c.Inventory.Slots)
	}
	if !c.Simulate && c.Serial.Port == "" {
		return fmt.Errorf("serial port is required unless simulate is set")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}

	// Set defaults for invalid values
	if c.SensorTimeoutMS <= 0 {
		c.SensorTimeoutMS = DefaultSensorTimeoutMS
	}
	if c.HardwareTimeoutMS <= 0 {
		c.HardwareTimeoutMS = DefaultHardwareTimeoutMS
	}
	if c.MQTTInterval <= 0 {
		c.MQTTInterval = int(MQTTTransmitInterval / time.Second)
	}
	if c.ForceUpdateInterval <= 0 {
		c.ForceUpdateInterval = int(ForceUpdateInterval / time.Second)
	}
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasRedis returns true if the Redis sink is configured
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// HasKafka returns true if the Kafka sink is configured
func (c *Config) HasKafka() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMS) * time.Millisecond
}

func (c *Config) SensorTimeout() time.Duration {
	return time.Duration(c.SensorTimeoutMS) * time.Millisecond
}

func (c *Config) HardwareTimeout() time.Duration {
	return time.Duration(c.HardwareTimeoutMS) * time.Millisecond
}

func (c *Config) CleaningInterval() time.Duration {
	return time.Duration(c.CleaningIntervalSeconds) * time.Second
}

func (c *Config) PanelMinInterval() time.Duration {
	return time.Duration(c.PanelMinIntervalSeconds) * time.Second
}

func (c *Config) GetMQTTInterval() time.Duration {
	return time.Duration(c.MQTTInterval) * time.Second
}

func (c *Config) GetForceUpdateInterval() time.Duration {
	return time.Duration(c.ForceUpdateInterval) * time.Second
}
