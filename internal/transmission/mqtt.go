package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of the MQTT client the transmitter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// MQTTTransmitter transmits station snapshots via MQTT with Home Assistant
// discovery
type MQTTTransmitter struct {
	client           Publisher
	deviceID         string
	discoveryPrefix  string
	logger           *logrus.Logger
	publishedSensors map[string]bool // Tracks published discovery configs
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig defines the configuration for each entity
type SensorConfig struct {
	Name        string
	EntityID    string
	EntityType  string // "sensor" / "binary_sensor"
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

// stationSensors are the entities every station exposes. Per-battery
// entities are added from the snapshot.
var stationSensors = []SensorConfig{
	{Name: "Arm Position", EntityID: "arm_position", EntityType: "sensor", Icon: "mdi:robot-industrial"},
	{Name: "Swap Status", EntityID: "swap_status", EntityType: "sensor", Icon: "mdi:battery-sync"},
	{Name: "Last Swap", EntityID: "last_swap_status", EntityType: "sensor", Icon: "mdi:history"},
	{Name: "Current Sequence", EntityID: "current_sequence", EntityType: "sensor"},
	{Name: "Drone Docked", EntityID: "docked", EntityType: "binary_sensor", DeviceClass: "occupancy"},
	{Name: "Drone Battery", EntityID: "drone_battery", EntityType: "sensor", Icon: "mdi:quadcopter"},
	{Name: "Charged Batteries", EntityID: "charged_batteries", EntityType: "sensor", StateClass: "measurement", Icon: "mdi:battery-check"},
	{Name: "Panel Angle", EntityID: "panel_angle", EntityType: "sensor", Unit: "°", StateClass: "measurement", Icon: "mdi:solar-panel"},
	{Name: "Cleaning Due", EntityID: "cleaning_due", EntityType: "binary_sensor", Icon: "mdi:broom"},
	{Name: "Manual Intervention", EntityID: "manual_intervention", EntityType: "binary_sensor", DeviceClass: "problem"},
	{Name: "Faults", EntityID: "fault_count", EntityType: "sensor", StateClass: "measurement", Category: "diagnostic"},
	{Name: "Uptime", EntityID: "uptime", EntityType: "sensor", DeviceClass: "duration", Unit: "s", Category: "diagnostic"},
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, deviceID, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:           client,
		deviceID:         deviceID,
		discoveryPrefix:  discoveryPrefix,
		logger:           logger,
		publishedSensors: make(map[string]bool),
	}
}

func (t *MQTTTransmitter) baseTopic() string {
	return fmt.Sprintf("dock_station/%s", t.deviceID)
}

// batterySensors returns the three entities of one battery.
func batterySensors(id domain.BatteryID) []SensorConfig {
	key := batteryKey(id)
	name := fmt.Sprintf("Battery %s", id)
	return []SensorConfig{
		{Name: name + " Charge", EntityID: key + "_charge", EntityType: "sensor", DeviceClass: "battery", Unit: "%", StateClass: "measurement"},
		{Name: name + " Temperature", EntityID: key + "_temperature", EntityType: "sensor", DeviceClass: "temperature", Unit: "°C", StateClass: "measurement"},
		{Name: name + " Status", EntityID: key + "_status", EntityType: "sensor", Icon: "mdi:battery-charging"},
	}
}

func batteryKey(id domain.BatteryID) string {
	return "battery_" + sanitize(string(id))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// publishDiscoveryForSensor publishes the discovery config for a single entity.
func (t *MQTTTransmitter) publishDiscoveryForSensor(sensor SensorConfig, device HADevice) error {
	uniqueID := fmt.Sprintf("%s_%s", t.deviceID, sensor.EntityID)

	// Skip if already published
	if t.publishedSensors[uniqueID] {
		return nil
	}

	template := fmt.Sprintf("{{ value_json.%s }}", sensor.EntityID)
	if sensor.EntityType == "binary_sensor" {
		template = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", sensor.EntityID)
	}
	config := HADiscoveryConfig{
		Name:              sensor.Name,
		UniqueID:          uniqueID,
		StateTopic:        t.baseTopic() + "/state",
		ValueTemplate:     template,
		AvailabilityTopic: t.baseTopic() + "/availability",
		Device:            device,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.Unit,
		Icon:              sensor.Icon,
		StateClass:        sensor.StateClass,
		EntityCategory:    sensor.Category,
	}

	topic := fmt.Sprintf("%s/%s/dock_station_%s/%s/config",
		t.discoveryPrefix, sensor.EntityType, t.deviceID, sensor.EntityID)

	if err := t.publishConfigRaw(topic, config); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", sensor.Name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"sensor_name": sensor.Name,
		"entity_id":   sensor.EntityID,
		"topic":       topic,
	}).Info("Published sensor discovery config")

	t.publishedSensors[uniqueID] = true
	return nil
}

// publishDiscoveryConfigs ensures every station and battery entity has its
// discovery config published.
func (t *MQTTTransmitter) publishDiscoveryConfigs(snap *domain.Snapshot) {
	device := HADevice{
		Identifiers:  []string{fmt.Sprintf("dock_station_%s", t.deviceID)},
		Name:         fmt.Sprintf("Dock Station %s", t.deviceID),
		Model:        "Drone Dock",
		Manufacturer: "dock-station",
		SWVersion:    "1.0.0",
	}

	configs := append([]SensorConfig(nil), stationSensors...)
	for _, b := range snap.Batteries {
		configs = append(configs, batterySensors(b.ID)...)
	}
	for _, config := range configs {
		if err := t.publishDiscoveryForSensor(config, device); err != nil {
			t.logger.WithError(err).WithField("sensor", config.Name).Error("Failed to publish discovery config")
		}
	}
}

// publishConfigRaw publishes a raw configuration object
func (t *MQTTTransmitter) publishConfigRaw(topic string, config interface{}) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}

	return nil
}

// buildStatePayload flattens the snapshot into the keys the discovery
// templates read.
func buildStatePayload(snap *domain.Snapshot) ([]byte, error) {
	charged := 0
	for _, b := range snap.Batteries {
		if b.Status == domain.StatusComplete && b.Location.Kind == domain.LocSlot {
			charged++
		}
	}
	lastSwap := "none"
	if snap.LastSwap != nil {
		lastSwap = string(snap.LastSwap.Status)
	}
	drone := string(snap.DroneBattery)
	if drone == "" {
		drone = "none"
	}

	state := map[string]interface{}{
		"arm_position":        snap.ArmPosition,
		"swap_status":         snap.SwapStatus,
		"last_swap_status":    lastSwap,
		"current_sequence":    snap.CurrentSequence,
		"docked":              snap.Dock.Docked,
		"drone_battery":       drone,
		"charged_batteries":   charged,
		"panel_angle":         round1(snap.Panel.CurrentAngle),
		"cleaning_due":        snap.CleaningDue,
		"manual_intervention": snap.ManualInterventionRequired,
		"fault_count":         len(snap.Faults),
		"uptime":              int64(snap.UptimeSeconds),
	}
	if snap.InterventionReason != "" {
		state["intervention_reason"] = snap.InterventionReason
	}
	for _, b := range snap.Batteries {
		key := batteryKey(b.ID)
		state[key+"_charge"] = round1(b.ChargeLevel)
		state[key+"_temperature"] = round1(b.Temperature)
		state[key+"_status"] = b.Status
		state[key+"_location"] = b.Location.String()
	}
	return json.Marshal(state)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Transmit sends the snapshot to MQTT
func (t *MQTTTransmitter) Transmit(_ context.Context, snap *domain.Snapshot) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t.publishDiscoveryConfigs(snap)

	payload, err := buildStatePayload(snap)
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}
	topic := t.baseTopic() + "/state"
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish state to %s: %w", topic, err)
	}
	t.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Published station state")

	if err := t.publishAvailability(true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}
	return nil
}

// publishAvailability publishes the availability status
func (t *MQTTTransmitter) publishAvailability(online bool) error {
	payload := "online"
	if !online {
		payload = "offline"
	}

	topic := t.baseTopic() + "/availability"
	if err := t.client.Publish(topic, []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability to %s: %w", topic, err)
	}
	return nil
}

// Offline marks the station unavailable, used on shutdown.
func (t *MQTTTransmitter) Offline() error {
	return t.publishAvailability(false)
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
