package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.DeviceID = "station-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TickPeriod() != 500*time.Millisecond {
		t.Errorf("tick period = %v", cfg.TickPeriod())
	}
	if cfg.CleaningInterval() != 3*time.Hour {
		t.Errorf("cleaning interval = %v", cfg.CleaningInterval())
	}
	if cfg.SensorTimeout() != 30*time.Millisecond {
		t.Errorf("sensor timeout = %v", cfg.SensorTimeout())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	data := `
device_id: mars-pad-3
debounce_ticks: 5
overheat_temp_c: 55
site:
  latitude: 18.4
  longitude: 77.5
inventory:
  slots: 2
  drone_battery: A
  slot_batteries: [B, ""]
  charged: [B]
kafka_brokers: [kafka-1:9092]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceID != "mars-pad-3" || cfg.DebounceTicks != 5 || cfg.OverheatTempC != 55 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ResumeTempC != DefaultResumeTempC {
		t.Errorf("resume temp = %v, want default", cfg.ResumeTempC)
	}
	if cfg.Site.Latitude != 18.4 || cfg.Inventory.Slots != 2 || cfg.Inventory.SlotBatteries[1] != "" {
		t.Errorf("nested config = %+v / %+v", cfg.Site, cfg.Inventory)
	}
	if !cfg.HasKafka() || cfg.KafkaTopic == "" {
		t.Errorf("kafka = %v topic %q", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickPeriodMS != DefaultTickPeriodMS {
		t.Errorf("tick = %d", cfg.TickPeriodMS)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no device id", func(c *Config) { c.DeviceID = "" }},
		{"inverted hysteresis", func(c *Config) { c.ResumeTempC = 70 }},
		{"zero debounce", func(c *Config) { c.DebounceTicks = 0 }},
		{"too many slot batteries", func(c *Config) { c.Inventory.Slots = 1 }},
		{"bad mqtt scheme", func(c *Config) { c.MQTTUrl = "http://broker" }},
		{"no serial port", func(c *Config) { c.Serial.Port = "" }},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.DeviceID = "station-1"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateSimulateSkipsSerial(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.DeviceID = "sim"
	cfg.Simulate = true
	cfg.Serial.Port = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("simulate config invalid: %v", err)
	}
}
