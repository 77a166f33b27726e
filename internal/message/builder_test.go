package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clairon-app/clairon/internal/event"
)

func baseStudent() event.Student {
	return event.Student{
		ID:       uuid.New(),
		FullName: "Awa Traoré",
	}
}

func TestBuild_IsDeterministic(t *testing.T) {
	ev := &event.Event{
		Kind:          event.KindPenalty,
		InstitutionID: uuid.New(),
		Student:       baseStudent(),
		OccurredAt:    time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC),
		Points:        4,
		Rubric:        "discipline",
		Reason:        "bavardage",
	}

	first, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if first.Title != second.Title || first.Body != second.Body || first.Severity != second.Severity {
		t.Fatal("same event should render identically")
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	if _, err := Build(&event.Event{Kind: "newsletter"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestStudentDisplayNameFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		student event.Student
		want    string
	}{
		{"full name wins", event.Student{FullName: "Awa Traoré", FirstName: "Awa", LastName: "Traoré"}, "Awa Traoré"},
		{"name pair", event.Student{FirstName: "Awa", LastName: "Traoré"}, "TRAORÉ Awa"},
		{"matricule", event.Student{Matricule: "MAT-0042"}, "MAT-0042"},
		{"generic fallback", event.Student{}, "Élève"},
		{"whitespace full name ignored", event.Student{FullName: "   ", Matricule: "MAT-1"}, "MAT-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.student.DisplayName(); got != tt.want {
				t.Fatalf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPenaltySeverity(t *testing.T) {
	tests := []struct {
		points int
		want   string
	}{
		{1, SeverityLow},
		{2, SeverityLow},
		{3, SeverityMedium},
		{4, SeverityMedium},
		{5, SeverityHigh},
		{10, SeverityHigh},
	}
	for _, tt := range tests {
		if got := PenaltySeverity(tt.points); got != tt.want {
			t.Errorf("PenaltySeverity(%d) = %s, want %s", tt.points, got, tt.want)
		}
	}
}

func TestBuildPenalty_BodyAndPayload(t *testing.T) {
	ev := &event.Event{
		Kind:          event.KindPenalty,
		InstitutionID: uuid.New(),
		Student:       baseStudent(),
		OccurredAt:    time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC),
		Points:        5,
		Rubric:        "discipline",
		Reason:        "absence injustifiée",
	}

	r, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if r.Severity != SeverityHigh {
		t.Fatalf("severity = %s", r.Severity)
	}
	if !strings.Contains(r.Body, "Awa Traoré") {
		t.Fatalf("body should carry the student name: %q", r.Body)
	}
	if !strings.Contains(r.Body, "lundi 11 mai 2026") {
		t.Fatalf("body should carry the French date: %q", r.Body)
	}
	if !strings.Contains(r.Body, "5 points") {
		t.Fatalf("body should pluralize points: %q", r.Body)
	}

	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["kind"] != event.KindPenalty {
		t.Fatalf("payload kind = %v", payload["kind"])
	}
	if payload["points"] != float64(5) {
		t.Fatalf("payload points = %v", payload["points"])
	}
}

func TestBuildGrade_PublishedAndMissed(t *testing.T) {
	score := 14.5
	ev := &event.Event{
		Kind:       event.KindGrade,
		Student:    baseStudent(),
		OccurredAt: time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC),
		EvalTitle:  "Devoir 2",
		Subject:    "Mathématiques",
		Score:      &score,
		Scale:      20,
	}

	r, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(r.Body, "14,5/20") {
		t.Fatalf("published grade body = %q", r.Body)
	}

	ev.Score = nil
	r, err = Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(r.Body, "n'a pas composé") {
		t.Fatalf("missed evaluation body = %q", r.Body)
	}
}

func TestBuildAbsence_SlotAndSubject(t *testing.T) {
	ev := &event.Event{
		Kind:       event.KindAbsence,
		Student:    baseStudent(),
		OccurredAt: time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC),
		Subject:    "Physique",
		SlotStart:  "08:00",
		SlotEnd:    "10:00",
	}

	r, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(r.Body, "(08:00-10:00)") {
		t.Fatalf("body should carry the slot: %q", r.Body)
	}
	if !strings.Contains(r.Body, "en Physique") {
		t.Fatalf("body should carry the subject: %q", r.Body)
	}
}

func TestBuildAttendanceAlert_Phases(t *testing.T) {
	ev := &event.Event{
		Kind:       event.KindAttendanceAlert,
		OccurredAt: time.Now(),
		ClassName:  "3e B",
		Phase:      event.PhaseMissing,
	}

	r, err := Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(r.Body, "Aucun appel enregistré") {
		t.Fatalf("missing phase body = %q", r.Body)
	}

	ev.Phase = event.PhaseLate
	r, err = Build(ev)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(r.Body, "pas encore été fait") {
		t.Fatalf("late phase body = %q", r.Body)
	}
}

func TestBuildDigest_SlotLines(t *testing.T) {
	entry := &event.DigestEntry{
		Student: baseStudent(),
		Slots: []event.DigestSlot{
			{Time: "08:00", Subject: "Maths"},
			{Time: "10:00", Subject: "Histoire"},
		},
	}

	r := BuildDigest(entry, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC))

	if !strings.Contains(r.Body, "2 absences") {
		t.Fatalf("digest body should count absences: %q", r.Body)
	}
	lines := strings.Split(r.Body, "\n")
	if len(lines) != 3 {
		t.Fatalf("digest should have header + 2 slot lines, got %d: %q", len(lines), r.Body)
	}
	if lines[1] != "- 08:00 Maths" || lines[2] != "- 10:00 Histoire" {
		t.Fatalf("slot lines = %q / %q", lines[1], lines[2])
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("court", 512); got != "court" {
		t.Fatalf("short body should pass through, got %q", got)
	}

	long := strings.Repeat("é", 600)
	got := Truncate(long, MaxPushBody)
	if runes := []rune(got); len(runes) != MaxPushBody {
		t.Fatalf("truncated length = %d runes, want %d", len(runes), MaxPushBody)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatal("truncated body should end with ellipsis")
	}
}

func TestFormatDate(t *testing.T) {
	d := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := FormatDate(d); got != "jeudi 1 janvier 2026" {
		t.Fatalf("FormatDate = %q", got)
	}
	if got := FormatDay(d); got != "1 janvier 2026" {
		t.Fatalf("FormatDay = %q", got)
	}
}
