package port

import (
	"net"
	"strconv"
)

// Checker reports whether a host port can be bound. Scanner is the
// production implementation; tests substitute a fixed answer.
type Checker interface {
	IsPortAvailable(hostIP string, port int, protocol string) bool
}

// Scanner checks ports by binding them through the operating system's
// network stack, which needs no elevated permissions and no external
// commands such as lsof or ss.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether port is free on hostIP. An empty hostIP
// means every interface, which is where the engine publishes ports by
// default.
//
// TCP is checked with net.Listen and UDP with net.ListenPacket; the
// listener is closed immediately. Other protocols cannot be checked this
// way and are reported as available, leaving the engine to reject them.
func (s *Scanner) IsPortAvailable(hostIP string, port int, protocol string) bool {
	addr := net.JoinHostPort(hostIP, strconv.Itoa(port))

	switch protocol {
	case "", "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		return true
	}
}
