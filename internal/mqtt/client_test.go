package mqtt

import (
	"net/url"
	"testing"
)

func TestBrokerAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		secure  bool
		wantErr bool
	}{
		{"mqtt://broker:1883", "tcp://broker:1883", false, false},
		{"mqtts://user:pw@broker:8883", "ssl://user:pw@broker:8883", true, false},
		{"ws://broker:9001/mqtt", "ws://broker:9001/mqtt", false, false},
		{"wss://broker/mqtt", "wss://broker/mqtt", true, false},
		{"http://broker", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			got, secure, err := brokerAddress(u)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want || secure != tt.secure {
				t.Errorf("got %q secure=%v, want %q secure=%v", got, secure, tt.want, tt.secure)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	c := &Client{deviceID: "pad7"}
	checks := []struct{ got, want string }{
		{c.GetStateTopic(), "dock_station/pad7/state"},
		{c.GetAvailabilityTopic(), "dock_station/pad7/availability"},
		{c.GetCommandTopic(), "dock_station/pad7/command"},
		{c.GetDiscoveryTopic("homeassistant", "sensor", "arm"), "homeassistant/sensor/dock_station_pad7/arm/config"},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("topic = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestBuildCleanTopic(t *testing.T) {
	if got := BuildCleanTopic("Dock Station", "slot+1", "#"); got != "dock_station/slotplus1/hash" {
		t.Errorf("got %q", got)
	}
}
