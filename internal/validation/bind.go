package validation

import (
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
)

// BindAndValidate binds the request form into `out` and runs validation.
// Failures come back as validation-kind errors for the handler to map to 400.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBind(out); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid_request_body", "malformed request body", err)
	}
	if err := v.Struct(out); err != nil {
		return apperr.E(apperr.KindValidation, "validation_failed", summarize(err))
	}
	return nil
}

func summarize(err error) string {
	ve, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fe.Field()+": "+fe.Tag())
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
