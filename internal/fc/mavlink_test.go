package fc

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3"
)

func TestParseEndpoint(t *testing.T) {
	conf, err := ParseEndpoint("serial:/dev/ttyUSB1:921600")
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	serial, ok := conf.(gomavlib.EndpointSerial)
	if !ok {
		t.Fatalf("serial endpoint type %T", conf)
	}
	if serial.Device != "/dev/ttyUSB1" || serial.Baud != 921600 {
		t.Fatalf("serial endpoint %+v", serial)
	}

	conf, err = ParseEndpoint("udp:127.0.0.1:14550")
	if err != nil {
		t.Fatalf("udp: %v", err)
	}
	udp, ok := conf.(gomavlib.EndpointUDPClient)
	if !ok {
		t.Fatalf("udp endpoint type %T", conf)
	}
	if udp.Address != "127.0.0.1:14550" {
		t.Fatalf("udp endpoint %+v", udp)
	}

	conf, err = ParseEndpoint("udpserver::14550")
	if err != nil {
		t.Fatalf("udpserver: %v", err)
	}
	if _, ok := conf.(gomavlib.EndpointUDPServer); !ok {
		t.Fatalf("udpserver endpoint type %T", conf)
	}

	for _, bad := range []string{
		"",
		"serial",
		"serial:/dev/ttyUSB1",
		"serial:/dev/ttyUSB1:fast",
		"tcp:host:1",
	} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q): expected error", bad)
		}
	}
}

func TestModeStrings(t *testing.T) {
	cases := map[Mode]string{
		ModeStabilize: "STABILIZE",
		ModeAuto:      "AUTO",
		ModeGuided:    "GUIDED",
		ModeLand:      "LAND",
		Mode(42):      "UNKNOWN",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", uint32(m), got, want)
		}
	}
}
