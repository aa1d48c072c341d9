package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/dock-station/internal/config.

const (
	// Station behaviour
	DefaultCleaningIntervalSeconds = 3 * 60 * 60
	DefaultDockDistanceThresholdCM = 20.0
	DefaultDebounceTicks           = 3
	DefaultChargeCompleteThreshold = 100.0
	DefaultOverheatTempC           = 60.0
	DefaultResumeTempC             = 40.0
	DefaultPanelDeadbandDegrees    = 2.0
	DefaultPanelParkAngle          = 90.0
	DefaultTickPeriodMS            = 500

	// Operation time-outs (to avoid blocking the control loop)
	DefaultSensorTimeoutMS   = 30
	DefaultHardwareTimeoutMS = 10_000
	SinkTimeout              = 2 * time.Second // Push to the snapshot bus
	MQTTTimeout              = 5 * time.Second // MQTT publish
	RedisTimeout             = 3 * time.Second
	KafkaTimeout             = 5 * time.Second

	// Transmission intervals
	MQTTTransmitInterval  = 15 * time.Second
	RedisTransmitInterval = 5 * time.Second
	KafkaTransmitInterval = 30 * time.Second
	ForceUpdateInterval   = 5 * time.Minute // Resend unchanged snapshots this often

	// Status
	FaultLogSize   = 50
	RedisHistory   = 500 // snapshots kept in the Redis history list
	CommandBacklog = 16  // queued operator commands
)
