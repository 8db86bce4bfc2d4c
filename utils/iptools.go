package utils

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// DefaultListenPort is the first port tried for the media server.
const DefaultListenPort = 3500

// ListenAddrFor finds the local IP that routes to deviceAddr (host:port)
// and a free port starting at port. The receiver must be able to reach the
// returned address.
func ListenAddrFor(deviceAddr string, port int) (string, error) {
	if _, _, err := net.SplitHostPort(deviceAddr); err != nil {
		return "", fmt.Errorf("ListenAddrFor parse error: %w", err)
	}
	if port <= 0 {
		port = DefaultListenPort
	}

	// UDP dial sends nothing, it only resolves the route
	conn, err := net.Dial("udp", deviceAddr)
	if err != nil {
		return "", fmt.Errorf("ListenAddrFor UDP call error: %w", err)
	}
	defer conn.Close()

	ipToListen := conn.LocalAddr().(*net.UDPAddr).IP.String()
	portToListen, err := checkAndPickPort(ipToListen, port)
	if err != nil {
		return "", fmt.Errorf("ListenAddrFor port error: %w", err)
	}

	return net.JoinHostPort(ipToListen, portToListen), nil
}

func checkAndPickPort(ip string, port int) (string, error) {
	const maxAttempts = 1000
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				if attempt == maxAttempts {
					break
				}
				port++
				continue
			}

			return "", fmt.Errorf("port pick error: %w", err)
		}
		conn.Close()
		return strconv.Itoa(port), nil
	}

	return "", fmt.Errorf("port pick error. Exceeded maximum attempts")
}
