package observability

import (
	"errors"
	"fmt"

	"github.com/weirlabs/weir/errs"
)

// AggregateErrors collapses the failures of a multi-part operation into one
// error envelope attributed to component. Nil entries are skipped and nil is
// returned when nothing failed. The envelope carries the first coded
// failure's code (CodeInternal when none carries one) and wraps the joined
// failures, so errors.Is still reaches every cause. The full set is logged
// once before returning.
func AggregateErrors(component string, failures []error, fields ...Field) error {
	kept := make([]error, 0, len(failures))
	messages := make([]string, 0, len(failures))
	var code errs.Code
	for _, err := range failures {
		if err == nil {
			continue
		}
		kept = append(kept, err)
		messages = append(messages, err.Error())
		if code == "" {
			code = errs.CodeOf(err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if code == "" {
		code = errs.CodeInternal
	}

	logFields := append(fields,
		Field{Key: "component", Value: component},
		Field{Key: "code", Value: string(code)},
		Field{Key: "error_count", Value: len(kept)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation failed", logFields...)

	return errs.New(component, code,
		errs.WithMessage(fmt.Sprintf("%d failure(s)", len(kept))),
		errs.WithCause(errors.Join(kept...)))
}
