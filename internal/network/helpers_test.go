package network_test

import (
	"time"

	"github.com/blazekit/blazekit/internal/config"
)

// networkConfigForTest returns a network section with short timeouts suitable
// for local test servers.
func networkConfigForTest() config.NetworkConfig {
	return config.NetworkConfig{
		RequestTimeout:        5 * time.Second,
		DialTimeout:           time.Second,
		TLSHandshakeTimeout:   time.Second,
		ResponseHeaderTimeout: 2 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		MaxConnsPerHost:       5,
		ProbeRateLimit:        100,
		ProbeConcurrency:      4,
	}
}
