package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event kinds accepted by the pipeline
const (
	KindAbsence         = "absence"
	KindPenalty         = "penalty"
	KindGrade           = "grade"
	KindAbsenceDigest   = "absence_digest"
	KindAttendanceAlert = "attendance_alert"
)

// Attendance alert phases
const (
	PhaseMissing = "missing"
	PhaseLate    = "late"
)

// Student carries the identity fields needed to render a display name.
// Any of the name fields may be empty depending on how complete the
// school's records are.
type Student struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Matricule string    `json:"matricule,omitempty"`
}

// DisplayName renders the best available name for the student. Raw
// internal ids never leak into message text.
func (s Student) DisplayName() string {
	if name := strings.TrimSpace(s.FullName); name != "" {
		return name
	}
	last := strings.TrimSpace(s.LastName)
	first := strings.TrimSpace(s.FirstName)
	if last != "" && first != "" {
		return strings.ToUpper(last) + " " + first
	}
	if m := strings.TrimSpace(s.Matricule); m != "" {
		return m
	}
	return "Élève"
}

// Event is one notification-worthy school event. Kind selects which of
// the optional fields are meaningful.
type Event struct {
	Kind          string    `json:"kind"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Student       Student   `json:"student"`
	OccurredAt    time.Time `json:"occurred_at"`

	// absence
	Subject   string `json:"subject,omitempty"`
	SlotStart string `json:"slot_start,omitempty"`
	SlotEnd   string `json:"slot_end,omitempty"`

	// penalty
	Points int    `json:"points,omitempty"`
	Rubric string `json:"rubric,omitempty"`
	Reason string `json:"reason,omitempty"`

	// grade
	EvalTitle string   `json:"eval_title,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	Scale     float64  `json:"scale,omitempty"`

	// attendance alert
	ClassName   string `json:"class_name,omitempty"`
	TeacherName string `json:"teacher_name,omitempty"`
	Phase       string `json:"phase,omitempty"`
}

// Validate checks the fields the pipeline depends on. Rendering copes
// with missing cosmetic fields, so only structural ones are enforced.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindAbsence, KindPenalty, KindGrade, KindAttendanceAlert:
	default:
		return fmt.Errorf("unknown event kind: %q", e.Kind)
	}
	if e.InstitutionID == uuid.Nil {
		return fmt.Errorf("missing institution_id")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("missing occurred_at")
	}
	switch e.Kind {
	case KindAbsence, KindPenalty, KindGrade:
		if e.Student.ID == uuid.Nil {
			return fmt.Errorf("missing student id for %s event", e.Kind)
		}
	case KindAttendanceAlert:
		if e.ClassName == "" {
			return fmt.Errorf("missing class_name for attendance alert")
		}
		switch e.Phase {
		case PhaseMissing, PhaseLate:
		default:
			return fmt.Errorf("unknown attendance phase: %q", e.Phase)
		}
	}
	if e.Kind == KindGrade && e.Scale <= 0 {
		return fmt.Errorf("grade event needs a positive scale")
	}
	return nil
}

// Fingerprint returns the kind-specific fields that distinguish this
// event from a re-submission, used to build deduplication keys.
func (e *Event) Fingerprint() string {
	switch e.Kind {
	case KindPenalty:
		return fmt.Sprintf("%s|%d|%s", e.Rubric, e.Points, e.Reason)
	case KindGrade:
		return fmt.Sprintf("%s|%s", e.Subject, e.EvalTitle)
	case KindAbsence:
		return fmt.Sprintf("%s|%s", e.Subject, e.SlotStart)
	case KindAttendanceAlert:
		return fmt.Sprintf("%s|%s|%s", e.ClassName, e.Phase, e.SlotStart)
	}
	return ""
}

// DigestSlot is one absence line inside a daily digest.
type DigestSlot struct {
	Time    string `json:"time"`
	Subject string `json:"subject"`
}

// DigestEntry gathers one student's absences for the digest day.
type DigestEntry struct {
	Student Student      `json:"student"`
	Slots   []DigestSlot `json:"slots"`
}

// Digest is a daily absence roll-up for one institution.
type Digest struct {
	InstitutionID uuid.UUID     `json:"institution_id"`
	Date          string        `json:"date"`
	Entries       []DigestEntry `json:"entries"`
}

// Validate checks the structural digest fields.
func (d *Digest) Validate() error {
	if d.InstitutionID == uuid.Nil {
		return fmt.Errorf("missing institution_id")
	}
	if _, err := time.Parse("2006-01-02", d.Date); err != nil {
		return fmt.Errorf("invalid digest date %q: %w", d.Date, err)
	}
	for i := range d.Entries {
		if d.Entries[i].Student.ID == uuid.Nil {
			return fmt.Errorf("digest entry %d missing student id", i)
		}
	}
	return nil
}
