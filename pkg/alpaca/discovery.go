package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// Alpaca discovery protocol constants.
	discoveryPort    = 32227
	discoveryMessage = "alpacadiscovery1"
)

// Endpoint is one host answering the discovery broadcast.
type Endpoint struct {
	Host string
	Port int
}

type discoveryReply struct {
	AlpacaPort int `json:"AlpacaPort"`
}

// Search broadcasts an Alpaca discovery request and collects replies until
// timeout expires or ctx is cancelled. Duplicate replies from the same
// endpoint are collapsed.
func Search(ctx context.Context, timeout time.Duration, logger log.FieldLogger) ([]Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer conn.Close()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort}
	if _, err := conn.WriteToUDP([]byte(discoveryMessage), bcast); err != nil {
		return nil, fmt.Errorf("cannot send discovery broadcast: %v", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	seen := make(map[string]struct{})
	var endpoints []Endpoint

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			break
		}

		// Short read deadlines so cancellation is noticed promptly.
		step := time.Now().Add(1 * time.Second)
		if step.After(deadline) {
			step = deadline
		}
		conn.SetReadDeadline(step)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Now().Before(deadline) {
					continue
				}
				break
			}
			logger.Debugf("Error reading from discovery socket: %v", err)
			continue
		}

		data := buf[:n]
		if strings.Contains(string(data), discoveryMessage) {
			// Our own broadcast echoed back.
			continue
		}

		var reply discoveryReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.AlpacaPort == 0 {
			logger.Debugf("Ignoring malformed discovery reply from %s: %s", addr, data)
			continue
		}

		ep := Endpoint{Host: addr.IP.String(), Port: reply.AlpacaPort}
		key := joinHostPort(ep.Host, ep.Port)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		endpoints = append(endpoints, ep)
		logger.Debugf("Discovery reply from %s", key)
	}

	return endpoints, nil
}
