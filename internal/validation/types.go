package validation

// SubmissionForm is the multipart payload for POST /works. The uploaded file
// travels alongside it and is handled by the gateway directly.
type SubmissionForm struct {
	StudentID    string `form:"studentId" validate:"required,max=128"`    // business id for the student
	StudentName  string `form:"studentName" validate:"required,max=256"`  // display name
	AssignmentID string `form:"assignmentId" validate:"required,max=128"` // assignment being submitted
}
