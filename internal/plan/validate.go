package plan

import (
	"github.com/go-playground/validator/v10"

	perr "github.com/ggonzalez94/planexec/internal/errors"
)

var structValidator = validator.New()

// Validate checks the structural invariants of a freshly fetched plan: a
// backend error field is terminal, steps must be present, and every step
// must carry a known kind.
func Validate(p *Plan) error {
	if p == nil {
		return perr.New(perr.CodeBackendRejected, "backend returned no plan")
	}
	if p.Error != "" {
		return perr.WithDetails(perr.CodeBackendRejected, p.Error, p.Details)
	}
	if p.Steps == nil {
		return perr.New(perr.CodeBackendRejected, "plan response has no steps")
	}
	for _, step := range p.Steps {
		if step == nil {
			return perr.New(perr.CodeBackendRejected, "plan contains a null step")
		}
		if err := structValidator.Struct(step); err != nil {
			return perr.Wrap(perr.CodeBackendRejected, "plan step failed validation", err)
		}
	}
	return nil
}
