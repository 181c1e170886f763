package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/etcd"
)

type fakeClearSource struct {
	mu      sync.Mutex
	events  chan etcd.WatchEvent
	deleted []string
}

func newFakeClearSource() *fakeClearSource {
	return &fakeClearSource{events: make(chan etcd.WatchEvent, 4)}
}

func (s *fakeClearSource) WatchPrefix(_ context.Context, prefix string) (<-chan etcd.WatchEvent, error) {
	if prefix != OperatorClearPrefix {
		return nil, etcd.ErrWatchUnavailable
	}
	return s.events, nil
}

func (s *fakeClearSource) DeleteVar(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeClearSource) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func TestOperatorListener_NotificationReloadsAccount(t *testing.T) {
	f := newLockoutFixture(t, nil)
	tel, _ := newTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-1", "daily loss", domain.ExpiryPermanent()))

	// Otro proceso limpia el registro directamente en el store.
	record, err := f.store.GetLockout(ctx, "ACC-1")
	require.NoError(t, err)
	now := f.clock.Now()
	record.Active = false
	record.ClearedAt = &now
	record.ClearedBy = domain.ClearOriginOperator
	require.NoError(t, f.store.SaveLockout(ctx, record))

	l := NewOperatorListener(f.lm, tel)
	l.HandleClearedNotification(ctx, " ACC-1 ")
	assert.False(t, f.lm.IsLockedOut("ACC-1"))

	l.HandleClearedNotification(ctx, "")
}

func TestOperatorListener_ClearRequestAppliesPermissions(t *testing.T) {
	f := newLockoutFixture(t, nil)
	tel, _ := newTestTelemetry(t)
	ctx := context.Background()
	source := newFakeClearSource()

	require.NoError(t, f.lm.SetCooldown(ctx, "ACC-C", "frequency", time.Minute))
	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-H", "daily loss", domain.ExpiryUntilReset()))

	l := NewOperatorListener(f.lm, tel)
	l.HandleClearRequest(ctx, source, OperatorClearPrefix+"ACC-C", "alice")
	l.HandleClearRequest(ctx, source, OperatorClearPrefix+"ACC-H", "alice")

	assert.False(t, f.lm.IsLockedOut("ACC-C"))
	assert.True(t, f.lm.IsLockedOut("ACC-H"))
	assert.Equal(t, []string{OperatorClearPrefix + "ACC-C", OperatorClearPrefix + "ACC-H"}, source.deletedKeys())

	l.HandleClearRequest(ctx, source, "unrelated/key", "alice")
	assert.Len(t, source.deletedKeys(), 2)
}

func TestOperatorListener_WatchesEtcd(t *testing.T) {
	f := newLockoutFixture(t, nil)
	tel, _ := newTestTelemetry(t)
	ctx := context.Background()
	source := newFakeClearSource()

	require.NoError(t, f.lm.SetHardLockout(ctx, "ACC-P", "breach", domain.ExpiryPermanent()))

	l := NewOperatorListener(f.lm, tel)
	require.NoError(t, l.StartEtcd(ctx, source))
	t.Cleanup(l.Stop)

	source.events <- etcd.WatchEvent{Key: OperatorClearPrefix + "ACC-P", Type: etcd.WatchEventDelete}
	source.events <- etcd.WatchEvent{Key: OperatorClearPrefix + "ACC-P", Value: "bob", Type: etcd.WatchEventPut}

	require.Eventually(t, func() bool { return !f.lm.IsLockedOut("ACC-P") }, eventually, tick)
	require.Eventually(t, func() bool { return len(source.deletedKeys()) == 1 }, eventually, tick)

	stored, err := f.store.GetLockout(ctx, "ACC-P")
	require.NoError(t, err)
	assert.Equal(t, domain.ClearOriginOperator, stored.ClearedBy)
}
