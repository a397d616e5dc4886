package mqtt

import "testing"

func TestBrokerAddr(t *testing.T) {
	cases := map[string]string{
		"":                      "tcp://mosquitto:1883",
		" mqtt://broker:1883 ":  "tcp://broker:1883",
		"mqtts://broker:8883":   "ssl://broker:8883",
		"tcp://10.0.0.5:1883":   "tcp://10.0.0.5:1883",
		"ws://broker:9001/mqtt": "ws://broker:9001/mqtt",
	}
	for in, want := range cases {
		if got := BrokerAddr(in); got != want {
			t.Fatalf("BrokerAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
