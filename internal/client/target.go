package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

var ErrInvalidTarget = errors.New("invalid server address")

// Target is where to connect. A bare host scans Attempts ports starting at
// Port; an explicit host:port makes exactly one attempt.
type Target struct {
	Address  string
	Host     string
	Port     int
	Attempts int
}

func (t Target) String() string {
	if t.Attempts > 1 {
		return fmt.Sprintf("%s:%d-%d", t.Host, t.Port, t.Port+t.Attempts-1)
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseTarget reads a user typed address. All whitespace is removed first.
func ParseTarget(raw string, defaultPort, scan int) (Target, error) {
	address := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)

	parts := strings.Split(address, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Target{}, fmt.Errorf("%w: empty host", ErrInvalidTarget)
		}
		if scan < 1 {
			scan = 1
		}
		return Target{Address: address, Host: parts[0], Port: defaultPort, Attempts: scan}, nil
	case 2:
		if parts[0] == "" {
			return Target{}, fmt.Errorf("%w: empty host in %q", ErrInvalidTarget, address)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return Target{}, fmt.Errorf("%w: bad port in %q", ErrInvalidTarget, address)
		}
		return Target{Address: address, Host: parts[0], Port: port, Attempts: 1}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, address)
	}
}
