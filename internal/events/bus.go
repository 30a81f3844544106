package events

import (
	"context"
	"log"
	"sync"
)

// TicketBus доставляет события тикета подключённым наблюдателям (websocket,
// long-poll). Вторая сторона сессии узнаёт о принятии и завершении пушем,
// а не только опросом. Доставка at-least-once: подписчик может получить
// событие и из снапшота, и из канала.
type TicketBus interface {
	Publish(ctx context.Context, ev TicketEvent) error
	// Subscribe возвращает канал событий тикета и функцию отписки.
	// Канал закрывается при отписке.
	Subscribe(ticketID uint64) (<-chan TicketEvent, func())
}

// MemoryBus — внутрипроцессная раздача. Используется в тестах и как
// локальное плечо PGBus внутри одной реплики.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[uint64]map[int]chan TicketEvent
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]map[int]chan TicketEvent)}
}

func (b *MemoryBus) Publish(_ context.Context, ev TicketEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.TicketID] {
		// Медленный подписчик не должен блокировать публикацию: у него
		// остаётся снапшот-путь через GET тикета.
		select {
		case ch <- ev:
		default:
			log.Printf("events: subscriber of ticket %d is lagging, %s dropped", ev.TicketID, ev.Type)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ticketID uint64) (<-chan TicketEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan TicketEvent, 16)
	if b.subs[ticketID] == nil {
		b.subs[ticketID] = make(map[int]chan TicketEvent)
	}
	b.subs[ticketID][id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[ticketID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, ticketID)
			}
		}
	}
	return ch, cancel
}
