package contracts

import "time"

// Standing is a student's credit position within a group.
type Standing struct {
	Group       string `json:"group"`
	Student     string `json:"student"`
	Credits     int    `json:"credits"`
	Required    int    `json:"required"`
	CanGraduate bool   `json:"can_graduate"`
}

// Exam mark bounds. MaxMark is 30 with honours.
const (
	PassMark = 18
	MaxMark  = 31
)

// Verbalization is an exam mark recorded for a student. A failing mark is
// settled on recording; a passing one waits for the student to accept it.
type Verbalization struct {
	Group      string    `json:"group"`
	Exam       string    `json:"exam"`
	Student    string    `json:"student"`
	Mark       int       `json:"mark"`
	Settled    bool      `json:"settled"`
	RecordedAt time.Time `json:"recorded_at"`
}
