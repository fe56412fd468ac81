package testutil

import (
	"fmt"
	"net"
	"sync"
)

const maxTrackedPorts = 1000

var (
	recentPorts   []int
	recentPortsMu sync.Mutex
)

// GetFreePort returns a TCP port on localhost that was free a moment ago.
// Ports handed out recently are not returned again so rapid callers do not collide.
func GetFreePort() int {
	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		seen := false
		for _, p := range recentPorts {
			if p == port {
				seen = true
				break
			}
		}
		if seen {
			continue
		}

		recentPorts = append(recentPorts, port)
		if len(recentPorts) > maxTrackedPorts {
			recentPorts = recentPorts[1:]
		}
		return port
	}

	panic("failed to get unique free port")
}

// GetFreeAddress returns "localhost:<port>" for a port from GetFreePort
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
