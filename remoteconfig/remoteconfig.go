// Package remoteconfig applies governor config patches stored in etcd.
//
// Each surface reads one key, <prefix>/surfaces/<name>/config, holding a YAML or
// JSON document with any of the fields enabled, min_throughput, max_isolated,
// restore_delay and settle_time. The document is applied through
// Governor.SetConfig when the watcher starts and whenever the key changes.
package remoteconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/canvasgov/config"
	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/util/backoff"
	"github.com/xiaonanln/canvasgov/util/logger"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 5 * time.Second
	resyncMinDelay = 500 * time.Millisecond
	resyncMaxDelay = 30 * time.Second
)

// ConfigKey returns the etcd key holding the config patch of surface
func ConfigKey(prefix, surface string) string {
	return fmt.Sprintf("%s/surfaces/%s/config", prefix, surface)
}

// ParsePatch decodes a YAML or JSON config patch document.
// Unknown fields and empty documents are rejected.
func ParsePatch(data []byte) (governor.ConfigPatch, error) {
	var gc config.GovernorConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&gc); err != nil {
		if errors.Is(err, io.EOF) {
			return governor.ConfigPatch{}, fmt.Errorf("empty config patch")
		}
		return governor.ConfigPatch{}, fmt.Errorf("failed to parse config patch: %w", err)
	}
	patch := gc.Patch()
	if patch.IsEmpty() {
		return governor.ConfigPatch{}, fmt.Errorf("empty config patch")
	}
	return patch, nil
}

// EncodePatch renders patch as the YAML document ParsePatch reads
func EncodePatch(patch governor.ConfigPatch) ([]byte, error) {
	return yaml.Marshal(config.PatchFrom(patch))
}

// Watcher keeps one governor in sync with its etcd config key
type Watcher struct {
	endpoints []string
	key       string
	gov       *governor.Governor
	logger    *logger.Logger

	mu      sync.Mutex
	client  *clientv3.Client
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// NewWatcher creates a watcher for gov's surface under prefix. Call Connect, then Start.
func NewWatcher(endpoints []string, prefix string, gov *governor.Governor) *Watcher {
	if prefix == "" {
		prefix = config.DefaultEtcdPrefix
	}
	return &Watcher{
		endpoints: endpoints,
		key:       ConfigKey(prefix, gov.Name()),
		gov:       gov,
		logger:    logger.NewLogger("RemoteConfig").Named(gov.Name()),
	}
}

// Key returns the watched etcd key
func (w *Watcher) Key() string {
	return w.key
}

// Connect creates the etcd client and checks that the cluster answers
func (w *Watcher) Connect() error {
	w.logger.Infof("Connecting to etcd at %v", w.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   w.endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := cli.Get(ctx, w.key); err != nil {
		cli.Close()
		return fmt.Errorf("failed to reach etcd at %v: %w", w.endpoints, err)
	}

	w.mu.Lock()
	w.client = cli
	w.mu.Unlock()
	w.logger.Infof("Connected to etcd, watching %s", w.key)
	return nil
}

// Start applies the current value of the key and keeps watching it until ctx is
// cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}

	rev, err := w.load(ctx, w.client)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true
	go w.watchLoop(watchCtx, w.client, rev)
	return nil
}

// load reads the key, applies it if present and returns the store revision read at.
func (w *Watcher) load(ctx context.Context, cli *clientv3.Client) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := cli.Get(ctx, w.key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", w.key, err)
	}
	if len(resp.Kvs) == 0 {
		w.logger.Infof("No remote config at %s", w.key)
	} else {
		w.apply(resp.Kvs[0].Value, resp.Kvs[0].ModRevision)
	}
	return resp.Header.Revision, nil
}

func (w *Watcher) watchLoop(ctx context.Context, cli *clientv3.Client, rev int64) {
	defer close(w.done)
	retry := backoff.New(resyncMinDelay, resyncMaxDelay, 2)

	for {
		wch := cli.Watch(ctx, w.key, clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				w.logger.Warnf("Watch on %s failed: %v", w.key, err)
				break
			}
			retry.Reset()
			for _, ev := range resp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					w.apply(ev.Kv.Value, ev.Kv.ModRevision)
				case mvccpb.DELETE:
					w.logger.Infof("Remote config %s deleted; keeping current config", w.key)
				}
				rev = ev.Kv.ModRevision
			}
		}

		// The watch ended without ctx being done: re-read the key and watch again.
		for {
			if err := retry.Wait(ctx); err != nil {
				w.logger.Debugf("Stopped watching %s", w.key)
				return
			}
			latest, err := w.load(ctx, cli)
			if err == nil {
				rev = latest
				break
			}
			w.logger.Warnf("Resync of %s failed (attempt %d): %v", w.key, retry.Attempts(), err)
		}
	}
}

func (w *Watcher) apply(value []byte, rev int64) {
	patch, err := ParsePatch(value)
	if err != nil {
		w.rejected.Add(1)
		w.logger.Warnf("Ignoring remote config at revision %d: %v", rev, err)
		return
	}
	cfg, err := w.gov.SetConfig(patch)
	if err != nil {
		w.rejected.Add(1)
		w.logger.Warnf("Ignoring remote config at revision %d: %v", rev, err)
		return
	}
	w.applied.Add(1)
	w.logger.Infof("Applied remote config at revision %d: %+v", rev, cfg)
}

// Applied returns how many remote documents were applied
func (w *Watcher) Applied() uint64 {
	return w.applied.Load()
}

// Rejected returns how many remote documents were ignored as invalid
func (w *Watcher) Rejected() uint64 {
	return w.rejected.Load()
}

// Publish writes patch to the key so every watcher of this surface applies it
func (w *Watcher) Publish(ctx context.Context, patch governor.ConfigPatch) error {
	w.mu.Lock()
	cli := w.client
	w.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("etcd client not connected")
	}

	data, err := EncodePatch(patch)
	if err != nil {
		return fmt.Errorf("failed to encode config patch: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := cli.Put(ctx, w.key, string(data)); err != nil {
		return fmt.Errorf("failed to publish config to %s: %w", w.key, err)
	}
	w.logger.Debugf("Published config patch to %s", w.key)
	return nil
}

// Close stops watching and closes the etcd client. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	cancel, done, cli := w.cancel, w.done, w.client
	w.cancel, w.client = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if cli != nil {
		return cli.Close()
	}
	return nil
}
