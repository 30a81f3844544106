package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/config"
	"github.com/JBD-GER/sepana-live-service/internal/database"
	"github.com/JBD-GER/sepana-live-service/internal/events"
	"github.com/JBD-GER/sepana-live-service/internal/model"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var replayEventsCmd = &cobra.Command{
	Use:   "replay-events",
	Short: "Re-emit current state of all tickets into the Kafka change feed",
	RunE:  runReplayEvents,
}

func init() {
	rootCmd.AddCommand(replayEventsCmd)
}

// eventTypeFor возвращает тип события, соответствующий текущему статусу
// тикета, для бэкафилла потребителей ленты.
func eventTypeFor(status model.TicketStatus) string {
	switch status {
	case model.TicketStatusActive:
		return events.TicketMatched
	case model.TicketStatusEnded:
		return events.TicketEnded
	case model.TicketStatusCancelled:
		return events.TicketCancelled
	default:
		return events.TicketCreated
	}
}

func runReplayEvents(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopicTicket == "" {
		return fmt.Errorf("replay-events: KAFKA_BROKERS and KAFKA_TOPIC_TICKET_EVENTS are required")
	}
	conn, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}

	var tickets []model.Ticket
	if err := conn.Find(&tickets).Error; err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	log.Printf("replay-events: found %d tickets", len(tickets))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket)
	defer producer.Close()
	for i := range tickets {
		t := &tickets[i]
		ev := events.TicketEvent{
			Type:       eventTypeFor(t.Status),
			TicketID:   t.ID,
			CaseID:     t.CaseID,
			Status:     string(t.Status),
			RoomName:   t.RoomName,
			OccurredAt: t.UpdatedAt,
		}
		if t.AdvisorID != nil {
			ev.AdvisorID = *t.AdvisorID
		}
		producer.Publish(ctx, ev)
		if (i+1)%50 == 0 || i == len(tickets)-1 {
			log.Printf("replay-events: sent %d/%d", i+1, len(tickets))
		}
	}
	log.Printf("replay-events: done, %d events emitted", len(tickets))
	return nil
}
