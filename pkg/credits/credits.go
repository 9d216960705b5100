// Package credits keeps graduation bookkeeping: each passed exam raises a
// group's required credits, each accepted mark raises a student's credits.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/notify"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// Service records exams and marks.
type Service struct {
	store    store.CreditStore
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewService creates a credits service. A nil logger uses slog.Default.
func NewService(s store.CreditStore, n notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, notifier: n, logger: logger.With("component", "credits")}
}

// RegisterExam adds credits to the group's requirement and returns the new
// requirement.
func (s *Service) RegisterExam(ctx context.Context, group string, credits int) (int, error) {
	if err := validate(group, "group", credits); err != nil {
		return 0, err
	}
	required, err := s.store.AddRequiredCredits(ctx, group, credits)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "exam registered", "group", group, "credits", credits, "required", required)
	return required, nil
}

// AcceptMark adds credits to a student. The student is told when this mark
// is the one that makes graduation reachable.
func (s *Service) AcceptMark(ctx context.Context, group, student string, credits int) (contracts.Standing, error) {
	if err := validate(group, "group", credits); err != nil {
		return contracts.Standing{}, err
	}
	if strings.TrimSpace(student) == "" {
		return contracts.Standing{}, fmt.Errorf("student is required: %w", contracts.ErrInvalidArgument)
	}

	st, err := s.store.AcceptCredits(ctx, group, student, credits)
	if err != nil {
		return contracts.Standing{}, err
	}
	if st.CanGraduate && st.Credits-credits < st.Required {
		s.notifier.Notify(ctx, student, contracts.EventGraduationReachable, st)
	}
	s.logger.InfoContext(ctx, "mark accepted",
		"group", group, "student", student, "credits", st.Credits, "required", st.Required)
	return st, nil
}

// Enroll registers student for an exam of the group.
func (s *Service) Enroll(ctx context.Context, group, exam, student string) error {
	if err := required("group", group, "exam", exam, "student", student); err != nil {
		return err
	}
	if err := s.store.Enroll(ctx, group, exam, student); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "student enrolled", "group", group, "exam", exam, "student", student)
	return nil
}

// RecordVerbalization records an exam mark, drops the student's enrolment
// and tells the student the mark is in. A failing mark is settled at once.
func (s *Service) RecordVerbalization(ctx context.Context, group, exam, student string, mark int) (contracts.Verbalization, error) {
	if err := required("group", group, "exam", exam, "student", student); err != nil {
		return contracts.Verbalization{}, err
	}
	if mark < 0 || mark > contracts.MaxMark {
		return contracts.Verbalization{}, fmt.Errorf("mark must be between 0 and %d: %w",
			contracts.MaxMark, contracts.ErrInvalidArgument)
	}

	v, dropped, err := s.store.RecordVerbalization(ctx, contracts.Verbalization{
		Group:   group,
		Exam:    exam,
		Student: student,
		Mark:    mark,
		Settled: mark < contracts.PassMark,
	})
	if err != nil {
		return contracts.Verbalization{}, err
	}
	s.notifier.Notify(ctx, student, contracts.EventVoteReceived, v)
	s.logger.InfoContext(ctx, "verbalization recorded",
		"group", group, "exam", exam, "student", student, "mark", mark, "enrolment_dropped", dropped)
	return v, nil
}

// Verbalizations lists a student's recorded marks in a group.
func (s *Service) Verbalizations(ctx context.Context, group, student string) ([]contracts.Verbalization, error) {
	if err := required("group", group, "student", student); err != nil {
		return nil, err
	}
	return s.store.ListVerbalizations(ctx, group, student)
}

// Standing returns a student's position in a group.
func (s *Service) Standing(ctx context.Context, group, student string) (contracts.Standing, error) {
	return s.store.GetStanding(ctx, group, student)
}

// required takes field, value pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s is required: %w", pairs[i], contracts.ErrInvalidArgument)
		}
	}
	return nil
}

func validate(value, field string, credits int) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", field, contracts.ErrInvalidArgument)
	}
	if credits <= 0 {
		return fmt.Errorf("credits must be positive: %w", contracts.ErrInvalidArgument)
	}
	return nil
}
