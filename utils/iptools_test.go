package utils

import (
	"net"
	"strconv"
	"testing"
)

func TestListenAddrFor(t *testing.T) {
	tt := []struct {
		name         string
		input        string
		port         int
		wantFromPort int
		wantToPort   int
	}{
		{
			`Chromecast port`,
			`192.168.88.244:8009`,
			0,
			DefaultListenPort,
			DefaultListenPort + 1000,
		},
		{
			`Custom start port`,
			`192.168.2.211:8009`,
			4200,
			4200,
			5200,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ListenAddrFor(tc.input, tc.port)
			if err != nil {
				// hosts without any route cannot pick an interface
				t.Skipf("%s: no route: %s", tc.name, err)
			}

			_, portStr, err := net.SplitHostPort(out)
			if err != nil {
				t.Fatalf("%s: not in ip:port format: %s", tc.name, out)
			}

			outInt, _ := strconv.Atoi(portStr)
			if outInt < tc.wantFromPort || outInt > tc.wantToPort {
				t.Fatalf("%s: got: %s, wanted port between: %d - %d.", tc.name, out, tc.wantFromPort, tc.wantToPort)
			}
		})
	}
}

func TestListenAddrForRejectsBareHost(t *testing.T) {
	if _, err := ListenAddrFor("192.168.1.2", 0); err == nil {
		t.Fatal("expected an error for an address without port")
	}
}

func TestCheckAndPickPortSkipsBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer ln.Close()

	busy := ln.Addr().(*net.TCPAddr).Port
	got, err := checkAndPickPort("127.0.0.1", busy)
	if err != nil {
		t.Fatalf("checkAndPickPort: %s", err)
	}
	if got == strconv.Itoa(busy) {
		t.Fatalf("picked busy port %d", busy)
	}
}

func TestConvertFilename(t *testing.T) {
	tt := []struct {
		input string
		want  string
	}{
		{"/media/Heat (1995).mp4", "Heat%20%281995%29.mp4"},
		{"plain.mkv", "plain.mkv"},
		{"/a/b/ü+x.mp4", "%C3%BC%2Bx.mp4"},
	}

	for _, tc := range tt {
		if got := ConvertFilename(tc.input); got != tc.want {
			t.Fatalf("ConvertFilename(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestRandomString(t *testing.T) {
	a, err := RandomString()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RandomString()
	if len(a) != 32 || a == b {
		t.Fatalf("unexpected random strings %q %q", a, b)
	}
}
