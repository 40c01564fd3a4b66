// Package adapter executes one subtask's tool list against its owning
// service and normalizes whatever the service protocol yields into the common
// payload shape the aggregator consumes. Services are opaque workers behind
// the Service interface; the adapter is the only component that speaks their
// protocol.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/probeworks/gauntlet/internal/log"
	"github.com/probeworks/gauntlet/internal/model"
)

// Request is the unit of work handed to a service: one target and the tools
// of that service's share.
type Request struct {
	Target string   `json:"target"`
	Tools  []string `json:"tools"`
}

// Service is an opaque analyzer worker. Messages streams protocol messages;
// the stream is expected to carry exactly one terminal message, identified
// only by its type discriminator, possibly preceded by progress messages.
type Service interface {
	Name() string
	Messages(ctx context.Context, req Request) iter.Seq2[model.Message, error]
}

// Adapter resolves service names to registered Service implementations and
// runs requests against them. Immutable after New.
type Adapter struct {
	services map[string]Service
}

func New(services ...Service) *Adapter {
	m := make(map[string]Service, len(services))
	for _, svc := range services {
		m[svc.Name()] = svc
	}
	return &Adapter{services: m}
}

// Run executes one subtask against the named service and returns the
// normalized payload of its terminal message. Progress messages are skipped
// on the type discriminator alone, never by position in the stream. When the
// stream ends or the deadline fires with no terminal message observed, Run
// returns model.ErrNoTerminalResponse.
func (a *Adapter) Run(ctx context.Context, serviceName, target string, tools []string) (model.ServicePayload, error) {
	svc, ok := a.services[serviceName]
	if !ok {
		return model.ServicePayload{}, fmt.Errorf("service %q is not registered", serviceName)
	}

	ctx = log.ContextAttrs(ctx, slog.String("service", serviceName))
	req := Request{Target: target, Tools: tools}

	for msg, err := range svc.Messages(ctx, req) {
		if err != nil {
			return model.ServicePayload{}, fmt.Errorf("service %s stream: %w", serviceName, err)
		}
		if !msg.TerminalFor(serviceName) {
			slog.DebugContext(ctx, "ignoring progress message", "type", msg.Type)
			continue
		}
		if msg.Status != model.MessageStatusSuccess {
			return model.ServicePayload{}, fmt.Errorf("service %s reported failure: %s", serviceName, msg.Detail)
		}
		return normalize(serviceName, msg), nil
	}

	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return model.ServicePayload{}, err
	}
	return model.ServicePayload{}, fmt.Errorf("%w: service %s", model.ErrNoTerminalResponse, serviceName)
}

// normalize translates the terminal message into the common payload shape and
// stamps provenance onto every finding, so findings stay traceable once
// payloads are merged.
func normalize(service string, msg model.Message) model.ServicePayload {
	results := make(map[string]model.ToolResult, len(msg.ToolResults))
	for tool, tr := range msg.ToolResults {
		if tr.Status == "" {
			tr.Status = model.ToolStatusPassed
		}
		findings := make([]model.Finding, len(tr.Findings))
		for i, f := range tr.Findings {
			f.Tool = tool
			f.Service = service
			f.Severity = model.ParseSeverity(string(f.Severity))
			findings[i] = f
		}
		tr.Findings = findings
		results[tool] = tr
	}
	return model.ServicePayload{Service: service, ToolResults: results}
}
