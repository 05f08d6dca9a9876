package llm

import (
	"context"

	"github.com/lectio-dev/lectio/internal/resilience"
)

type resilientGenerator struct {
	next    Generator
	retrier *resilience.Retrier
}

// Resilient retries gen under r. Prompt.Op names the operation for metrics;
// an empty Op is reported as "generate".
func Resilient(gen Generator, r *resilience.Retrier) Generator {
	return &resilientGenerator{next: gen, retrier: r}
}

func (g *resilientGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	op := p.Op
	if op == "" {
		op = "generate"
	}
	return resilience.Do(ctx, g.retrier, op, func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, p)
	})
}
