package proxy

import "net"

// clientConn is a thin alias so proxy.go doesn't need to import net
// directly in its signatures; kept separate to isolate the one place that
// knows the transport is a UNIX socket.
type clientConn = net.Conn

func dialSocket(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
