// Package probe answers client latency pings: every UDP datagram received on
// the probe port is echoed back unchanged.
package probe

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// Listen runs the echo loop until ctx is cancelled. Errors on individual
// datagrams are logged and skipped; the loop only exits with the context.
func Listen(ctx context.Context, addr string, log *zap.Logger) error {
	log = log.Named("probe")

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	log.Info("udp latency probe listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Warn("probe read failed", zap.Error(err))
			continue
		}
		if _, err := conn.WriteTo(buf[:n], remote); err != nil {
			log.Warn("probe echo failed", zap.Error(err))
		}
	}
}
