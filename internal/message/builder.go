package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clairon-app/clairon/internal/event"
)

// Severity levels attached to rendered messages
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Per-channel body budgets. WhatsApp's cap comes from the provider's
// message size limit; push payloads stay small for OS notification trays.
const (
	MaxPushBody     = 512
	MaxWhatsAppBody = 1600
)

// Rendered is the channel-agnostic output of the builder. Body is the
// full text; channel transports apply their own budget with Truncate.
type Rendered struct {
	Title    string
	Body     string
	Severity string
	Payload  json.RawMessage
}

var frMonths = [...]string{
	"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
}

var frDays = [...]string{
	"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi",
}

// FormatDate renders a date the way the school's parents read it,
// e.g. "lundi 12 mai 2026".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%s %d %s %d",
		frDays[t.Weekday()], t.Day(), frMonths[t.Month()-1], t.Year())
}

// FormatDay renders a date without the weekday, e.g. "12 mai 2026".
func FormatDay(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), frMonths[t.Month()-1], t.Year())
}

// PenaltySeverity maps conduct points to a severity level.
func PenaltySeverity(points int) string {
	switch {
	case points >= 5:
		return SeverityHigh
	case points >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Truncate caps a body at max runes, appending an ellipsis when text
// was dropped.
func Truncate(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max-1]) + "…"
}

// Build renders an event into notification text. Pure: same event, same
// output.
func Build(e *event.Event) (*Rendered, error) {
	switch e.Kind {
	case event.KindAbsence:
		return buildAbsence(e), nil
	case event.KindPenalty:
		return buildPenalty(e), nil
	case event.KindGrade:
		return buildGrade(e), nil
	case event.KindAttendanceAlert:
		return buildAttendanceAlert(e), nil
	}
	return nil, fmt.Errorf("no template for event kind %q", e.Kind)
}

func buildAbsence(e *event.Event) *Rendered {
	name := e.Student.DisplayName()
	slot := e.SlotStart
	if e.SlotEnd != "" {
		slot = e.SlotStart + "-" + e.SlotEnd
	}

	body := fmt.Sprintf("%s a été noté(e) absent(e) le %s", name, FormatDate(e.OccurredAt))
	if slot != "" {
		body += " (" + slot + ")"
	}
	if e.Subject != "" {
		body += " en " + e.Subject
	}
	body += "."

	return &Rendered{
		Title:    "Absence signalée",
		Body:     body,
		Severity: SeverityMedium,
		Payload:  payload(e, SeverityMedium),
	}
}

func buildPenalty(e *event.Event) *Rendered {
	name := e.Student.DisplayName()
	severity := PenaltySeverity(e.Points)

	body := fmt.Sprintf("%s a reçu une sanction (%s, %d point", name, e.Rubric, e.Points)
	if e.Points != 1 {
		body += "s"
	}
	body += ") le " + FormatDate(e.OccurredAt)
	if e.Reason != "" {
		body += " : " + e.Reason
	}
	body += "."

	return &Rendered{
		Title:    "Sanction de conduite",
		Body:     body,
		Severity: severity,
		Payload:  payload(e, severity),
	}
}

func buildGrade(e *event.Event) *Rendered {
	name := e.Student.DisplayName()
	eval := e.EvalTitle
	if eval == "" {
		eval = "une évaluation"
	}

	var body string
	if e.Score != nil {
		body = fmt.Sprintf("%s a obtenu %s/%s à %s", name,
			formatScore(*e.Score), formatScore(e.Scale), eval)
	} else {
		body = fmt.Sprintf("%s n'a pas composé à %s", name, eval)
	}
	if e.Subject != "" {
		body += " en " + e.Subject
	}
	body += "."

	return &Rendered{
		Title:    "Note publiée",
		Body:     body,
		Severity: SeverityLow,
		Payload:  payload(e, SeverityLow),
	}
}

func buildAttendanceAlert(e *event.Event) *Rendered {
	var body string
	switch e.Phase {
	case event.PhaseLate:
		body = fmt.Sprintf("L'appel de la classe %s n'a pas encore été fait", e.ClassName)
	default:
		body = fmt.Sprintf("Aucun appel enregistré pour la classe %s", e.ClassName)
	}
	if e.SlotStart != "" {
		body += " (créneau de " + e.SlotStart + ")"
	}
	if e.TeacherName != "" {
		body += ", enseignant : " + e.TeacherName
	}
	body += "."

	return &Rendered{
		Title:    "Appel manquant",
		Body:     body,
		Severity: SeverityMedium,
		Payload:  payload(e, SeverityMedium),
	}
}

// BuildDigest renders one guardian-facing daily absence summary for a
// single student, listing each missed slot on its own line.
func BuildDigest(entry *event.DigestEntry, date time.Time) *Rendered {
	name := entry.Student.DisplayName()

	var b strings.Builder
	count := len(entry.Slots)
	fmt.Fprintf(&b, "%s a %d absence", name, count)
	if count != 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, " le %s :\n", FormatDate(date))
	for _, slot := range entry.Slots {
		line := slot.Time
		if slot.Subject != "" {
			line += " " + slot.Subject
		}
		b.WriteString("- " + strings.TrimSpace(line) + "\n")
	}
	body := strings.TrimRight(b.String(), "\n")

	raw, _ := json.Marshal(map[string]any{
		"kind":     event.KindAbsenceDigest,
		"severity": SeverityMedium,
		"date":     date.Format("2006-01-02"),
		"student":  entry.Student,
		"slots":    entry.Slots,
	})

	return &Rendered{
		Title:    "Récapitulatif des absences",
		Body:     body,
		Severity: SeverityMedium,
		Payload:  raw,
	}
}

func formatScore(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return strings.Replace(s, ".", ",", 1)
}

func payload(e *event.Event, severity string) json.RawMessage {
	m := map[string]any{
		"kind":        e.Kind,
		"severity":    severity,
		"occurred_at": e.OccurredAt.Format(time.RFC3339),
	}
	if e.Student.ID != uuid.Nil {
		m["student_id"] = e.Student.ID
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Kind == event.KindPenalty {
		m["rubric"] = e.Rubric
		m["points"] = e.Points
		if e.Reason != "" {
			m["reason"] = e.Reason
		}
	}
	if e.Kind == event.KindGrade {
		m["scale"] = e.Scale
		if e.Score != nil {
			m["score"] = *e.Score
		}
	}
	if e.Kind == event.KindAttendanceAlert {
		m["class_name"] = e.ClassName
		m["phase"] = e.Phase
	}
	raw, _ := json.Marshal(m)
	return raw
}
