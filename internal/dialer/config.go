package dialer

import (
	"net"
	"time"
)

type Config struct {
	KeepAlive net.KeepAliveConfig

	// DNSServer, if set, is queried directly (host or host:port, port 53 by
	// default) instead of using the system resolver.
	DNSServer string

	// CacheTTL bounds how long a successful lookup is reused. Zero disables
	// caching.
	CacheTTL time.Duration
}
