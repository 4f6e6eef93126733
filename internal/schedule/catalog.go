package schedule

import "classroll/internal/validation"

// Subjects offered by the school.
var Subjects = []string{
	"Mathematics",
	"Mathematical Literacy",
	"Physical Sciences",
	"Life Sciences",
	"Accounting",
	"Business Studies",
	"Economics",
	"Geography",
	"History",
	"English Home Language",
	"English First Additional Language",
	"Afrikaans",
	"isiZulu",
	"Life Orientation",
	"Information Technology",
	"Computer Applications Technology",
}

// Grades taught by the school.
var Grades = []string{"Grade 8", "Grade 9", "Grade 10", "Grade 11", "Grade 12"}

func init() {
	validation.RegisterEnum("subject", Subjects)
	validation.RegisterEnum("grade", Grades)
}
