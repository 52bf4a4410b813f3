package oracle

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/oracle/genai"
)

var Module = fx.Module("oracle",
	fx.Provide(NewOracle),
)

// NewOracle selects the model-backed oracle when an LLM is configured and
// the rule-based one otherwise.
func NewOracle(cfg *config.Config, log *slog.Logger) Oracle {
	log = log.With(logger.Scope("oracle"))
	llm := cfg.LLM

	if !llm.IsEnabled() {
		log.Info("no LLM configured, using heuristic suggestion oracle")
		return NewHeuristic()
	}

	gc := genai.Config{
		APIKey:          llm.GoogleAPIKey,
		Model:           llm.Model,
		Temperature:     llm.Temperature,
		MaxOutputTokens: llm.MaxOutputTokens,
		Timeout:         llm.Timeout,
		RatePerSecond:   llm.RatePerSecond,
		Burst:           llm.Burst,
	}
	if llm.UseVertexAI() {
		gc.ProjectID = llm.GCPProjectID
		gc.Location = llm.VertexAILocation
	}

	client, err := genai.NewClient(context.Background(), gc, genai.WithLogger(log))
	if err != nil {
		log.Warn("failed to create model client, using heuristic suggestion oracle", logger.Error(err))
		return NewHeuristic()
	}

	log.Info("model suggestion oracle ready", slog.String("model", client.Model()))
	return &ModelOracle{client: client}
}

// generator is the subset of the genai client the oracle needs.
type generator interface {
	Generate(ctx context.Context, task string, hint string, payload any, schema any) (json.RawMessage, error)
	Model() string
}

// ModelOracle adapts a structured-output model client to the Oracle contract.
type ModelOracle struct {
	client generator
}

func (m *ModelOracle) Name() string {
	return "model:" + m.client.Model()
}

func (m *ModelOracle) Suggest(ctx context.Context, req Request) (json.RawMessage, error) {
	return m.client.Generate(ctx, string(req.Kind), domainHint(req.Context), req.Context, req.OutputSchema)
}

func domainHint(c any) string {
	switch t := c.(type) {
	case InspectContext:
		return t.DomainHint
	case MappingContext:
		return t.DomainHint
	case RelationContext:
		return t.Entity.Type
	default:
		return ""
	}
}
