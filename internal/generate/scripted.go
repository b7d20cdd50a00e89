package generate

import (
	"context"
	"fmt"
	"sync"

	"github.com/easelhq/easel/pkg/canvas"
)

// Scripted is a deterministic in-memory generator. Each call produces a
// synthetic asset URL derived from the call count; an optional script of
// errors makes individual calls fail on demand.
type Scripted struct {
	mu     sync.Mutex
	calls  int
	script map[int]error // 1-based call number -> forced error
}

// NewScripted creates a Scripted generator.
func NewScripted() *Scripted {
	return &Scripted{script: make(map[int]error)}
}

// FailCall forces the nth call (1-based) to return err.
func (g *Scripted) FailCall(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[n] = err
}

// Calls reports how many times Generate has been invoked.
func (g *Scripted) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Generate implements canvas.Generator.
func (g *Scripted) Generate(_ context.Context, req canvas.GenerationRequest) (*canvas.GenerationResult, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	err := g.script[n]
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return &canvas.GenerationResult{
		Assets: []string{fmt.Sprintf("scripted://asset-%d.png", n)},
		Metadata: map[string]string{
			"model":  "scripted",
			"prompt": req.Prompt,
		},
	}, nil
}
