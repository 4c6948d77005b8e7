package validation

import "testing"

func TestSubmissionForm_Valid(t *testing.T) {
	v := New()

	form := SubmissionForm{
		StudentID:    "student-42",
		StudentName:  "Grace Hopper",
		AssignmentID: "hw-essay-3",
	}

	if err := v.Struct(form); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestSubmissionForm_MissingFields(t *testing.T) {
	v := New()

	form := SubmissionForm{
		// StudentID missing
		StudentName:  "Grace Hopper",
		AssignmentID: "hw-essay-3",
	}

	if err := v.Struct(form); err == nil {
		t.Fatal("expected validation errors for missing required fields, got nil")
	}
}

func TestSubmissionForm_IDCharset(t *testing.T) {
	v := New()

	for _, id := range []string{"has#hash", "has space", "has\ttab"} {
		form := SubmissionForm{
			StudentID:    id,
			StudentName:  "Grace Hopper",
			AssignmentID: "hw-essay-3",
		}
		if err := v.Struct(form); err == nil {
			t.Fatalf("expected validation error for student id %q, got nil", id)
		}
	}
}

func TestSubmissionForm_BlankName(t *testing.T) {
	v := New()

	form := SubmissionForm{
		StudentID:    "student-42",
		StudentName:  "   ",
		AssignmentID: "hw-essay-3",
	}

	if err := v.Struct(form); err == nil {
		t.Fatal("expected validation error for whitespace-only name, got nil")
	}
}
