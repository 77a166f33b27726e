package enqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/db"
	"github.com/clairon-app/clairon/internal/event"
	"github.com/clairon-app/clairon/internal/message"
)

// QueueStore is the subset of the outbox store the enqueuer writes to.
type QueueStore interface {
	Insert(ctx context.Context, msg *db.QueuedMessage) (bool, error)
}

// WhatsAppStore is the subset of the WhatsApp outbox the enqueuer
// writes to.
type WhatsAppStore interface {
	Insert(ctx context.Context, msg *db.WhatsAppMessage) (bool, error)
}

// GuardianResolver maps students to their notifiable guardians.
type GuardianResolver interface {
	GuardiansForStudents(ctx context.Context, studentIDs []uuid.UUID) (map[uuid.UUID][]db.Guardian, error)
}

// Kicker nudges the dispatcher after new rows land. Implementations
// must never block.
type Kicker interface {
	Kick()
}

// Enqueuer turns validated events into outbox rows. It never touches a
// transport; delivery is the dispatcher's job.
type Enqueuer struct {
	queue     QueueStore
	whatsapp  WhatsAppStore
	guardians GuardianResolver
	kicker    Kicker
	logger    *zap.Logger
}

// New creates an enqueuer. kicker may be nil when no inline dispatch is
// wanted (tests, the cron-only deployment).
func New(queue QueueStore, whatsapp WhatsAppStore, guardians GuardianResolver, kicker Kicker, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{
		queue:     queue,
		whatsapp:  whatsapp,
		guardians: guardians,
		kicker:    kicker,
		logger:    logger,
	}
}

// EnqueueEvent queues one notification per recipient. When recipients
// is empty the student's guardians are resolved instead; no guardians
// means queued=0 and no error.
func (e *Enqueuer) EnqueueEvent(ctx context.Context, ev *event.Event, recipients []uuid.UUID) (int, error) {
	rendered, err := message.Build(ev)
	if err != nil {
		return 0, err
	}

	if len(recipients) == 0 && ev.Student.ID != uuid.Nil {
		byStudent, err := e.guardians.GuardiansForStudents(ctx, []uuid.UUID{ev.Student.ID})
		if err != nil {
			return 0, fmt.Errorf("resolve recipients: %w", err)
		}
		for _, g := range byStudent[ev.Student.ID] {
			recipients = append(recipients, g.ID)
		}
	}

	if len(recipients) == 0 {
		e.logger.Debug("event has no recipients, nothing queued",
			zap.String("kind", ev.Kind),
			zap.String("student_id", ev.Student.ID.String()),
		)
		return 0, nil
	}

	queued := 0
	for _, recipientID := range recipients {
		rid := recipientID
		msg := &db.QueuedMessage{
			ID:            uuid.New(),
			InstitutionID: ev.InstitutionID,
			RecipientID:   &rid,
			Channels:      []string{db.ChannelInApp, db.ChannelPush},
			Payload:       rendered.Payload,
			Title:         rendered.Title,
			Body:          rendered.Body,
			DedupKey:      EventDedupKey(ev, recipientID),
			SendAfter:     time.Now(),
		}
		if ev.Student.ID != uuid.Nil {
			sid := ev.Student.ID
			msg.StudentID = &sid
		}

		inserted, err := e.queue.Insert(ctx, msg)
		if err != nil {
			return queued, err
		}
		if inserted {
			queued++
		}
	}

	e.logger.Info("event queued",
		zap.String("kind", ev.Kind),
		zap.Int("recipients", len(recipients)),
		zap.Int("queued", queued),
	)

	if queued > 0 && e.kicker != nil {
		e.kicker.Kick()
	}

	return queued, nil
}

// EnqueueDigest fans a daily absence digest out to every notifiable
// guardian: one in-app/push row per guardian covering all their
// children, plus a WhatsApp copy for opted-in guardians with a phone
// number.
func (e *Enqueuer) EnqueueDigest(ctx context.Context, d *event.Digest) (int, error) {
	if len(d.Entries) == 0 {
		return 0, nil
	}

	date, err := time.Parse("2006-01-02", d.Date)
	if err != nil {
		return 0, fmt.Errorf("parse digest date: %w", err)
	}

	studentIDs := make([]uuid.UUID, 0, len(d.Entries))
	entryByStudent := make(map[uuid.UUID]*event.DigestEntry, len(d.Entries))
	for i := range d.Entries {
		entry := &d.Entries[i]
		studentIDs = append(studentIDs, entry.Student.ID)
		entryByStudent[entry.Student.ID] = entry
	}

	byStudent, err := e.guardians.GuardiansForStudents(ctx, studentIDs)
	if err != nil {
		return 0, fmt.Errorf("resolve digest recipients: %w", err)
	}

	// Group the guardian's children so one guardian gets one digest.
	type guardianDigest struct {
		guardian db.Guardian
		rendered []*message.Rendered
	}
	perGuardian := make(map[uuid.UUID]*guardianDigest)
	order := make([]uuid.UUID, 0)
	for _, studentID := range studentIDs {
		entry := entryByStudent[studentID]
		for _, g := range byStudent[studentID] {
			gd, ok := perGuardian[g.ID]
			if !ok {
				gd = &guardianDigest{guardian: g}
				perGuardian[g.ID] = gd
				order = append(order, g.ID)
			}
			gd.rendered = append(gd.rendered, message.BuildDigest(entry, date))
		}
	}

	queued := 0
	for _, guardianID := range order {
		gd := perGuardian[guardianID]

		bodies := make([]string, 0, len(gd.rendered))
		for _, r := range gd.rendered {
			bodies = append(bodies, r.Body)
		}
		body := strings.Join(bodies, "\n\n")

		rid := guardianID
		msg := &db.QueuedMessage{
			ID:            uuid.New(),
			InstitutionID: d.InstitutionID,
			RecipientID:   &rid,
			Channels:      []string{db.ChannelInApp, db.ChannelPush},
			Payload:       gd.rendered[0].Payload,
			Title:         gd.rendered[0].Title,
			Body:          body,
			DedupKey:      DigestDedupKey(d.Date, guardianID),
			SendAfter:     time.Now(),
		}

		inserted, err := e.queue.Insert(ctx, msg)
		if err != nil {
			return queued, err
		}
		if inserted {
			queued++
		}

		if gd.guardian.WhatsAppOptIn && gd.guardian.Phone != "" {
			waInserted, err := e.whatsapp.Insert(ctx, &db.WhatsAppMessage{
				ID:        uuid.New(),
				ToAddress: gd.guardian.Phone,
				Body:      message.Truncate(body, message.MaxWhatsAppBody),
				DedupKey:  WhatsAppDigestDedupKey(d.Date, guardianID),
			})
			if err != nil {
				return queued, err
			}
			if waInserted {
				queued++
			}
		}
	}

	e.logger.Info("absence digest queued",
		zap.String("date", d.Date),
		zap.Int("students", len(d.Entries)),
		zap.Int("guardians", len(perGuardian)),
		zap.Int("queued", queued),
	)

	if queued > 0 && e.kicker != nil {
		e.kicker.Kick()
	}

	return queued, nil
}
