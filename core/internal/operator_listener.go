package internal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/core/internal/repository"
	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/etcd"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// OperatorClearPrefix prefijo ETCD de solicitudes de clear: operator/clear/<account_id> = <operador>.
const OperatorClearPrefix = "operator/clear/"

// clearRequestSource subconjunto de etcd.Client usado por el watcher.
type clearRequestSource interface {
	WatchPrefix(ctx context.Context, prefix string) (<-chan etcd.WatchEvent, error)
	DeleteVar(ctx context.Context, key string) error
}

// OperatorListener canales asíncronos de operación sobre los bloqueos.
//
//   - LISTEN guard_lockout_cleared (PostgreSQL): otro proceso limpió un bloqueo
//     en el store; se recarga la cuenta.
//   - WATCH operator/clear/ (ETCD): solicitud de clear manual; se aplica con
//     las mismas reglas que la API HTTP y se borra la clave.
type OperatorListener struct {
	lockouts  *LockoutManager
	telemetry *telemetry.Client

	mu       sync.Mutex
	listener *pq.Listener
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// NewOperatorListener crea el listener.
func NewOperatorListener(lockouts *LockoutManager, tel *telemetry.Client) *OperatorListener {
	return &OperatorListener{lockouts: lockouts, telemetry: tel}
}

// StartPostgres inicia LISTEN/NOTIFY sobre el canal de clears.
func (l *OperatorListener) StartPostgres(ctx context.Context, connStr string) error {
	if connStr == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return nil
	}

	listener := pq.NewListener(connStr, 5*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.telemetry.Warn(ctx, "Postgres listener event",
				attribute.Int("event", int(ev)),
				attribute.String("error", err.Error()),
			)
		}
	})
	if err := listener.Listen(repository.LockoutClearedChannel); err != nil {
		listener.Close()
		return domain.WrapError(domain.ErrStoreUnavailable, "listen "+repository.LockoutClearedChannel, err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	l.listener = listener
	l.cancels = append(l.cancels, cancel)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.consumeNotifications(childCtx, listener.Notify)
	}()

	l.telemetry.Info(ctx, "Listening for external lockout clears",
		attribute.String("channel", repository.LockoutClearedChannel),
	)
	return nil
}

func (l *OperatorListener) consumeNotifications(ctx context.Context, notify <-chan *pq.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notify:
			if !ok {
				return
			}
			if notification == nil {
				// Reconexión: pudo perderse un NOTIFY.
				l.reloadAll(ctx)
				continue
			}
			l.HandleClearedNotification(ctx, notification.Extra)
		}
	}
}

// HandleClearedNotification recarga la cuenta indicada en el payload.
func (l *OperatorListener) HandleClearedNotification(ctx context.Context, payload string) {
	accountID := strings.TrimSpace(payload)
	if accountID == "" {
		return
	}
	if err := l.lockouts.Reload(ctx, accountID); err != nil {
		l.telemetry.Error(ctx, "Failed to reload lockout after notification", err,
			semconv.Guard.AccountID.String(accountID),
		)
	}
}

func (l *OperatorListener) reloadAll(ctx context.Context) {
	for _, accountID := range l.lockouts.Accounts() {
		l.HandleClearedNotification(ctx, accountID)
	}
}

// StartEtcd observa solicitudes de clear publicadas en ETCD.
func (l *OperatorListener) StartEtcd(ctx context.Context, source clearRequestSource) error {
	events, err := source.WatchPrefix(ctx, OperatorClearPrefix)
	if err != nil {
		return err
	}

	childCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancels = append(l.cancels, cancel)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-childCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != etcd.WatchEventPut {
					continue
				}
				l.HandleClearRequest(childCtx, source, ev.Key, ev.Value)
			}
		}
	}()

	l.telemetry.Info(ctx, "Watching operator clear requests", attribute.String("prefix", OperatorClearPrefix))
	return nil
}

// HandleClearRequest aplica un clear de operador y consume la clave.
//
// Una solicitud rechazada (MANUAL_CLEAR_FORBIDDEN) también se consume: no se
// reintenta sola.
func (l *OperatorListener) HandleClearRequest(ctx context.Context, source clearRequestSource, key, operator string) {
	accountID := strings.TrimPrefix(key, OperatorClearPrefix)
	if accountID == "" || accountID == key {
		return
	}
	if operator == "" {
		operator = "etcd"
	}

	attrs := []attribute.KeyValue{
		semconv.Guard.AccountID.String(accountID),
		semconv.Guard.Component.String(semconv.ComponentValues.Operator),
		attribute.String("operator", operator),
	}

	cleared, err := l.lockouts.clear(ctx, accountID, domain.ClearOriginOperator)
	switch {
	case err != nil && domain.HasCode(err, domain.ErrManualClearForbidden):
		l.telemetry.Warn(ctx, "Operator clear request rejected", append(attrs, attribute.String("error", err.Error()))...)
	case err != nil && !cleared:
		// Error transitorio: la clave queda para el próximo intento.
		l.telemetry.Error(ctx, "Operator clear request failed", err, attrs...)
		return
	default:
		l.telemetry.Info(ctx, "Operator clear request applied", append(attrs, attribute.Bool("cleared", cleared))...)
	}

	if derr := source.DeleteVar(ctx, key); derr != nil {
		l.telemetry.Warn(ctx, "Failed to consume clear request key",
			append(attrs, attribute.String("error", derr.Error()))...)
	}
}

// Stop detiene los listeners y espera a sus goroutines.
func (l *OperatorListener) Stop() {
	l.mu.Lock()
	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = nil
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}
