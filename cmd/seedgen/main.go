// Command seedgen generates sample outbox_event rows for demos and load
// testing. By default it prints SQL INSERT batches to stdout; with --dsn
// it inserts directly into the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/dispatchbox/internal/domain"
)

const insertBatchSize = 100

var allStatuses = []string{
	string(domain.StatusPending),
	string(domain.StatusRetry),
	string(domain.StatusDone),
	string(domain.StatusDead),
}

type orderPayload struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	TotalCents int    `json:"totalCents"`
}

type invoicePayload struct {
	InvoiceID   string `json:"invoiceId"`
	OrderID     string `json:"orderId"`
	AmountCents int    `json:"amountCents"`
}

type userPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type seedEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        string
	Attempts      int
	NextRunOffset int // seconds in the past
}

func main() {
	count := flag.Int("count", 100, "number of events to generate")
	statuses := flag.String("statuses", strings.Join(allStatuses, ","), "comma separated statuses to draw from")
	dsn := flag.String("dsn", "", "insert directly into this database instead of printing SQL")
	flag.Parse()

	if err := run(*count, *statuses, *dsn); err != nil {
		fmt.Fprintf(os.Stderr, "seedgen: %v\n", err)
		os.Exit(1)
	}
}

func run(count int, statusList, dsn string) error {
	if count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	statuses, err := parseStatuses(statusList)
	if err != nil {
		return err
	}

	events := make([]seedEvent, 0, count)
	for i := 1; i <= count; i++ {
		e, err := generateEvent(i, statuses)
		if err != nil {
			return err
		}
		events = append(events, e)
	}

	if dsn == "" {
		printSQL(events)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := insertDirect(ctx, dsn, events); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "inserted %d events\n", count)
	return nil
}

func parseStatuses(raw string) ([]string, error) {
	var statuses []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !domain.Status(s).Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, s)
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("statuses must name at least one status")
	}
	return statuses, nil
}

// generateEvent builds one sample event. Aggregate ids are derived from
// the index so payload references line up across event types.
func generateEvent(index int, statuses []string) (seedEvent, error) {
	var (
		aggregateType string
		aggregateID   string
		eventType     string
		payload       any
	)

	switch rand.Intn(3) {
	case 0:
		aggregateType = "order"
		aggregateID = strconv.Itoa(1000 + index)
		eventType = "order.created"
		payload = orderPayload{
			OrderID:    aggregateID,
			CustomerID: fmt.Sprintf("C%03d", index),
			TotalCents: 1000 + rand.Intn(19001),
		}
	case 1:
		aggregateType = "invoice"
		aggregateID = strconv.Itoa(2000 + index)
		eventType = "invoice.generated"
		payload = invoicePayload{
			InvoiceID:   aggregateID,
			OrderID:     strconv.Itoa(1000 + index),
			AmountCents: 1000 + rand.Intn(19001),
		}
	default:
		aggregateType = "user"
		aggregateID = fmt.Sprintf("U%04d", index)
		eventType = "user.registered"
		payload = userPayload{
			UserID: aggregateID,
			Email:  fmt.Sprintf("user%d@example.com", index),
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return seedEvent{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return seedEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		Status:        statuses[rand.Intn(len(statuses))],
		Attempts:      rand.Intn(6),
		NextRunOffset: rand.Intn(601),
	}, nil
}

// printSQL writes INSERT statements in batches so very large seeds stay
// loadable with plain psql.
func printSQL(events []seedEvent) {
	for start := 0; start < len(events); start += insertBatchSize {
		end := min(start+insertBatchSize, len(events))

		var b strings.Builder
		b.WriteString("INSERT INTO outbox_event ")
		b.WriteString("(aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at) ")
		b.WriteString("VALUES\n")
		for i, e := range events[start:end] {
			if i > 0 {
				b.WriteString(",\n")
			}
			payload := strings.ReplaceAll(string(e.Payload), "'", "''")
			fmt.Fprintf(&b, "('%s', '%s', '%s', '%s'::jsonb, '%s', %d, now() - interval '%d seconds')",
				e.AggregateType, e.AggregateID, e.EventType, payload, e.Status, e.Attempts, e.NextRunOffset)
		}
		b.WriteString(";\n")
		fmt.Println(b.String())
	}
}

func insertDirect(ctx context.Context, dsn string, events []seedEvent) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	const insertSQL = `
		INSERT INTO outbox_event
			(aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for start := 0; start < len(events); start += insertBatchSize {
		end := min(start+insertBatchSize, len(events))

		batch := &pgx.Batch{}
		for _, e := range events[start:end] {
			nextRunAt := time.Now().UTC().Add(-time.Duration(e.NextRunOffset) * time.Second)
			batch.Queue(insertSQL, e.AggregateType, e.AggregateID, e.EventType, e.Payload, e.Status, e.Attempts, nextRunAt)
		}
		if err := conn.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
	}
	return nil
}
