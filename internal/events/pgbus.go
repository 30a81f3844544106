package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Канал NOTIFY общий для всех тикетов: полезная нагрузка несёт ticket_id,
// раздача по подписчикам происходит в MemoryBus.
const notifyChannel = "live_ticket_events"

// PGBus — межрепличная доставка событий через Postgres LISTEN/NOTIFY.
// Publish шлёт pg_notify; фоновый слушатель каждой реплики принимает
// уведомления (в том числе свои) и раздаёт их локальным подписчикам.
type PGBus struct {
	db       *sql.DB
	local    *MemoryBus
	listener *pq.Listener
}

// NewPGBus создаёт шину поверх подключения к Postgres. databaseURL нужен
// слушателю pq (отдельное соединение от пула gorm).
func NewPGBus(db *sql.DB, databaseURL string) *PGBus {
	listener := pq.NewListener(databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Printf("events: listener: %v", err)
			}
		})
	return &PGBus{db: db, local: NewMemoryBus(), listener: listener}
}

// Start подписывается на канал и запускает цикл раздачи до отмены ctx.
func (b *PGBus) Start(ctx context.Context) error {
	if err := b.listener.Listen(notifyChannel); err != nil {
		return fmt.Errorf("events: listen %s: %w", notifyChannel, err)
	}
	go b.run(ctx)
	return nil
}

func (b *PGBus) run(ctx context.Context) {
	defer b.listener.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil приходит после реконнекта; наблюдатели добирают
				// пропущенное снапшотом при следующем чтении тикета.
				continue
			}
			var ev TicketEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				log.Printf("events: decode notify payload: %v", err)
				continue
			}
			_ = b.local.Publish(ctx, ev)
		case <-time.After(90 * time.Second):
			go func() {
				if err := b.listener.Ping(); err != nil {
					log.Printf("events: listener ping: %v", err)
				}
			}()
		}
	}
}

func (b *PGBus) Publish(ctx context.Context, ev TicketEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("events: pg_notify: %w", err)
	}
	return nil
}

func (b *PGBus) Subscribe(ticketID uint64) (<-chan TicketEvent, func()) {
	return b.local.Subscribe(ticketID)
}
