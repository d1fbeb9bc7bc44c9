// Package bootstrap binds the service listener, walking a list of candidate ports.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

// ErrPortExhausted is returned when every candidate port is already in use
var ErrPortExhausted = errors.New("all candidate ports are in use")

// Listen binds host on the first free port of ports, in order.
// An address in use moves on to the next port; any other error is returned immediately.
func Listen(ctx context.Context, host string, ports []int, logger logrus.FieldLogger) (net.Listener, int, error) {
	var lc net.ListenConfig

	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, port, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.WithField("port", port).Warn("port in use, trying next")
			continue
		}
		return nil, 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return nil, 0, fmt.Errorf("%w: %v", ErrPortExhausted, ports)
}
