// Package out renders execution progress and terminal plan state for the
// CLI. Progress lines go to stderr as the plan mutates; the final plan is
// emitted once as indented JSON on stdout.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
)

// RenderPlan writes the terminal plan document as indented JSON.
func RenderPlan(w io.Writer, p *plan.Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// RenderJSON writes an arbitrary value as indented JSON.
func RenderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderError writes a one-line machine-readable error record. Typed
// errors keep their code and details; anything else maps to an internal
// failure.
func RenderError(w io.Writer, err error) {
	rec := map[string]any{
		"error": err.Error(),
		"code":  perr.CodeInternal,
	}
	if typed, ok := perr.As(err); ok {
		rec["code"] = typed.Code
		if typed.Details != nil {
			rec["details"] = typed.Details
		}
	}
	buf, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(buf))
}

// RenderProgress writes one line per step describing item progress.
func RenderProgress(w io.Writer, steps []*plan.Step) {
	for _, step := range steps {
		if step == nil || len(step.Items) == 0 {
			continue
		}
		fmt.Fprintf(w, "step %s: %s\n", step.ID, describeItems(step.Items))
	}
}

func describeItems(items []*plan.Item) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		part := string(item.Status)
		if item.Status != plan.StatusComplete && item.ProgressState != "" {
			part = string(item.ProgressState)
		}
		if n := len(item.TxHashes); n > 0 {
			part += " " + item.TxHashes[n-1].TxHash
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
