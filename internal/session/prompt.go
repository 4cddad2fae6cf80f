package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/basket/featureloop/internal/persistence"
)

// BuildPrompt renders the task handed to the worker on stdin.
func BuildPrompt(f persistence.Feature, operatorContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement feature #%d: %s\n", f.ID, f.Name)
	if f.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", f.Category)
	}
	if f.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(f.Description))
	}
	if len(f.Steps) > 0 {
		b.WriteString("\nVerification steps:\n")
		for i, step := range f.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if ctx := strings.TrimSpace(operatorContext); ctx != "" {
		fmt.Fprintf(&b, "\n---\n\nOperator context:\n\n%s\n", ctx)
	}
	fmt.Fprintf(&b, "\nWhen every step passes, call feature_mark_passing with feature_id=%d.\n", f.ID)
	fmt.Fprintf(&b, "If you cannot finish, end the session without marking it.\n")
	return b.String()
}

func stringsReader(s string) io.Reader { return strings.NewReader(s) }
