package etcd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// WatchEvent representa un evento de cambio en ETCD
type WatchEvent struct {
	Key   string // relativa al namespace
	Value string
	Type  WatchEventType
}

// WatchEventType define los tipos de eventos de watch
type WatchEventType int

const (
	WatchEventPut WatchEventType = iota
	WatchEventDelete
)

// ErrWatchUnavailable el cliente no tiene watcher (creado con NewWithKV sin watcher).
var ErrWatchUnavailable = errors.New("etcd watch unavailable")

// WatchPrefix observa cambios en todas las claves con un subprefijo del namespace.
//
// El canal se cierra al cancelar ctx. Si el watch se cae, se re-suscribe con
// backoff exponencial.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	if c.watcher == nil {
		return nil, ErrWatchUnavailable
	}

	eventCh := make(chan WatchEvent, 16)
	fullKey := c.prefix + prefix

	go func() {
		defer close(eventCh)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0

		for {
			watchCtx, cancel := context.WithCancel(ctx)
			wch := c.watcher.Watch(watchCtx, fullKey, clientv3.WithPrefix())

			for watchResp := range wch {
				if watchResp.Canceled {
					break
				}
				bo.Reset()

				for _, event := range watchResp.Events {
					watchEvent := WatchEvent{
						Key:   strings.TrimPrefix(string(event.Kv.Key), c.prefix),
						Value: string(event.Kv.Value),
					}
					switch event.Type {
					case clientv3.EventTypePut:
						watchEvent.Type = WatchEventPut
					case clientv3.EventTypeDelete:
						watchEvent.Type = WatchEventDelete
					}

					select {
					case eventCh <- watchEvent:
					case <-ctx.Done():
						cancel()
						return
					}
				}
			}
			cancel()

			wait := bo.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	return eventCh, nil
}
