package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across all packages.
// This prevents tests from interfering with each other when using the same etcd instance.
//
// Usage in test files:
//
//	func TestSomethingWithEtcd(t *testing.T) {
//	    testutil.EtcdTestMutex.Lock()
//	    defer testutil.EtcdTestMutex.Unlock()
//	    // ... test code that uses etcd
//	}
var EtcdTestMutex sync.Mutex

// EtcdTestRoot is the key space all test prefixes live under
const EtcdTestRoot = "/canvasgov-test/"

// PrepareEtcdPrefix returns a key prefix unique to the running test, deletes anything
// left under it by an earlier run, and registers a cleanup that deletes it again.
// If etcd is not reachable at endpoint the prefix is still returned and the caller
// is expected to skip when its own connection attempt fails.
func PrepareEtcdPrefix(t testing.TB, endpoint string) string {
	t.Helper()

	prefix := EtcdTestRoot + t.Name()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Logf("etcd not available at %s: %v", endpoint, err)
		return prefix
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err = cli.Delete(ctx, prefix, clientv3.WithPrefix())
	cancel()
	if err != nil {
		t.Logf("etcd not available at %s: %v", endpoint, err)
		cli.Close()
		return prefix
	}

	t.Cleanup(func() {
		defer cli.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
	})

	return prefix
}
