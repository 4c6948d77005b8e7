package validation

import (
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for SubmissionForm: the ids become
	// parts of composite storage keys, so they must not contain the key
	// separator, and names must not be whitespace-only.
	v.RegisterStructValidation(submissionFormStructValidation, SubmissionForm{})

	return v
}

func submissionFormStructValidation(sl validatorv10.StructLevel) {
	form := sl.Current().Interface().(SubmissionForm)

	if strings.ContainsAny(form.StudentID, "# \t\n") {
		sl.ReportError(form.StudentID, "studentId", "StudentID", "id_charset", "")
	}
	if strings.ContainsAny(form.AssignmentID, "# \t\n") {
		sl.ReportError(form.AssignmentID, "assignmentId", "AssignmentID", "id_charset", "")
	}
	if form.StudentName != "" && strings.TrimSpace(form.StudentName) == "" {
		sl.ReportError(form.StudentName, "studentName", "StudentName", "not_blank", "")
	}
}
