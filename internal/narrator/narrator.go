// Package narrator turns structured incident reports into short prose. The
// analysis core never depends on it: narration runs behind a report sink and
// its failures are logged, never propagated.
package narrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// Narrator produces a human-readable description of a report.
type Narrator interface {
	Narrate(ctx context.Context, report model.ReportPayload) (string, error)
}

// Func adapts a plain function to the Narrator interface.
type Func func(ctx context.Context, report model.ReportPayload) (string, error)

// Narrate calls f.
func (f Func) Narrate(ctx context.Context, report model.ReportPayload) (string, error) {
	return f(ctx, report)
}

// Prompt renders the instruction sent to a generative model for r. The
// payload is embedded verbatim as indented JSON.
func Prompt(r model.ReportPayload) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("narrator: encode report %s: %w", r.ID, err)
	}

	var b strings.Builder
	b.WriteString("You are an assistant analyzing NGINX logs.\n")
	b.WriteString("An anomaly detector produced the following incident report:\n")
	b.Write(data)
	b.WriteString("\n\nIn at most three sentences, explain what happened, which ")
	b.WriteString("endpoint or client is affected and how severe it is. ")
	b.WriteString("Only use facts present in the report.\n")
	return b.String(), nil
}
