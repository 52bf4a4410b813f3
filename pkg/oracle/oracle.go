// Package oracle is the narrow contract to the schema/relation suggestion service.
//
// Callers describe a task, hand over a structured context and an output JSON
// schema, and get back at most one object matching that schema. Anything else
// (transport errors, timeouts, malformed or non-conforming output) is treated
// as "no suggestions" by Ask, so no caller ever fails because of the oracle.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

// Request is one suggestion request.
type Request struct {
	Kind         TaskKind
	Context      any
	OutputSchema *jsonschema.Schema
}

// Oracle produces a single structured suggestion for a request.
type Oracle interface {
	Suggest(ctx context.Context, req Request) (json.RawMessage, error)
	Name() string
}

// Ask sends req to o and decodes the response into out.
// It returns false, leaving out untouched, whenever no usable suggestion came back.
func Ask(ctx context.Context, o Oracle, req Request, out any, log *slog.Logger) bool {
	if o == nil {
		return false
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Scope("oracle"), slog.String("task", string(req.Kind)), slog.String("oracle", o.Name()))

	ctx, span := tracing.Start(ctx, "oracle.suggest",
		attribute.String("oracle.task", string(req.Kind)),
		attribute.String("oracle.name", o.Name()),
	)
	defer span.End()

	raw, err := o.Suggest(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		requestsTotal.WithLabelValues(string(req.Kind), outcomeUnavailable).Inc()
		log.Warn("oracle unavailable, continuing without suggestions", logger.Error(err))
		return false
	}

	if err := Decode(raw, req.OutputSchema, out); err != nil {
		tracing.RecordError(span, err)
		requestsTotal.WithLabelValues(string(req.Kind), outcomeMalformed).Inc()
		log.Warn("oracle response rejected", logger.Error(err))
		return false
	}

	requestsTotal.WithLabelValues(string(req.Kind), outcomeOK).Inc()
	return true
}

// Decode validates raw against schema (when given) and unmarshals it into out.
func Decode(raw json.RawMessage, schema *jsonschema.Schema, out any) error {
	raw = json.RawMessage(stripFence(string(raw)))
	if len(raw) == 0 {
		return fmt.Errorf("empty response")
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return fmt.Errorf("response is not a JSON object")
	}

	if schema != nil {
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolve output schema: %w", err)
		}
		if err := resolved.Validate(instance); err != nil {
			return fmt.Errorf("response does not match output schema: %w", err)
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stripFence removes a markdown code fence some models wrap JSON output in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
