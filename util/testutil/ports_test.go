package testutil

import (
	"net"
	"strings"
	"testing"
)

func TestGetFreeAddress_Bindable(t *testing.T) {
	addr := GetFreeAddress()
	if !strings.HasPrefix(addr, "localhost:") {
		t.Fatalf("GetFreeAddress() = %s", addr)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to bind %s: %v", addr, err)
	}
	l.Close()
}

func TestGetFreePort_Unique(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		port := GetFreePort()
		if seen[port] {
			t.Fatalf("GetFreePort() returned %d twice", port)
		}
		seen[port] = true
	}
}
