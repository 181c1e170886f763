package etcd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestClient_GetVarVariants(t *testing.T) {
	kv := newFakeKV(map[string]string{
		"reset/timezone":            "America/Chicago",
		"lockout/sweep_interval_ms": "500",
		"reset/enabled":             "true",
		"bad/int":                   "ten",
	})
	client := NewWithKV(kv, "guard", "test", time.Second)
	ctx := context.Background()

	tz, err := client.GetVar(ctx, "reset/timezone")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", tz)

	_, err = client.GetVar(ctx, "missing")
	assert.Error(t, err)

	def, err := client.GetVarWithDefault(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", def)

	sweep, err := client.GetVarDuration(ctx, "lockout/sweep_interval_ms")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, sweep)

	enabled, err := client.GetVarBool(ctx, "reset/enabled")
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = client.GetVarInt(ctx, "bad/int")
	assert.Error(t, err)

	assert.Equal(t, "/guard/test/", client.NamespacePrefix())
}

func TestClient_ListPrefix(t *testing.T) {
	kv := newFakeKV(map[string]string{
		"rules/daily_loss":  "hard:until_reset",
		"rules/frequency":   "cooldown:15m",
		"reset/time_of_day": "17:00",
	})
	client := NewWithKV(kv, "guard", "test", time.Second)

	rules, err := client.ListPrefix(context.Background(), "rules/")
	require.NoError(t, err)
	assert.Equal(t, []string{"rules/daily_loss", "rules/frequency"}, Keys(rules))
	assert.Equal(t, "cooldown:15m", rules["rules/frequency"])
}

func TestClient_SetAndDelete(t *testing.T) {
	kv := newFakeKV(nil)
	client := NewWithKV(kv, "guard", "test", time.Second)
	ctx := context.Background()

	require.NoError(t, client.SetVar(ctx, "operator/clear/ACC1", "ops"))
	val, err := client.GetVar(ctx, "operator/clear/ACC1")
	require.NoError(t, err)
	assert.Equal(t, "ops", val)

	require.NoError(t, client.DeleteVar(ctx, "operator/clear/ACC1"))
	_, err = client.GetVar(ctx, "operator/clear/ACC1")
	assert.Error(t, err)
}

func TestClient_GetFailurePropagates(t *testing.T) {
	kv := newFakeKV(nil)
	kv.failGet = true
	client := NewWithKV(kv, "guard", "test", time.Second)

	_, err := client.ListPrefix(context.Background(), "rules/")
	assert.Error(t, err)
}

func TestClient_WatchPrefixStripsNamespace(t *testing.T) {
	watcher := &fakeWatcher{ch: make(chan clientv3.WatchResponse, 1)}
	client := NewWithKV(newFakeKV(nil), "guard", "test", time.Second)
	client.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.WatchPrefix(ctx, "operator/clear/")
	require.NoError(t, err)

	watcher.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte("/guard/test/operator/clear/ACC1"), Value: []byte("ops")},
	}}}

	select {
	case ev := <-events:
		assert.Equal(t, "operator/clear/ACC1", ev.Key)
		assert.Equal(t, "ops", ev.Value)
		assert.Equal(t, WatchEventPut, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("watch event not delivered")
	}
	assert.Equal(t, "/guard/test/operator/clear/", watcher.lastKey)
}

func TestClient_WatchWithoutWatcher(t *testing.T) {
	client := NewWithKV(newFakeKV(nil), "guard", "test", time.Second)
	_, err := client.WatchPrefix(context.Background(), "x/")
	assert.ErrorIs(t, err, ErrWatchUnavailable)
}
