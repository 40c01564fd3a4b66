package adapter

import (
	"context"
	"iter"

	"github.com/probeworks/gauntlet/internal/model"
)

// StaticService yields a fixed message sequence. It backs tests and local
// dry runs where no real analyzer process is available.
type StaticService struct {
	ServiceName string
	Msgs        []model.Message
	StreamErr   error // yielded after Msgs, if set
}

var _ Service = StaticService{}

func (s StaticService) Name() string { return s.ServiceName }

func (s StaticService) Messages(ctx context.Context, _ Request) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		for _, msg := range s.Msgs {
			if ctx.Err() != nil {
				yield(model.Message{}, ctx.Err())
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
		if s.StreamErr != nil {
			yield(model.Message{}, s.StreamErr)
		}
	}
}

// ServiceFunc adapts a plain function to the Service interface.
type ServiceFunc struct {
	ServiceName string
	Fn          func(ctx context.Context, req Request) iter.Seq2[model.Message, error]
}

var _ Service = ServiceFunc{}

func (s ServiceFunc) Name() string { return s.ServiceName }

func (s ServiceFunc) Messages(ctx context.Context, req Request) iter.Seq2[model.Message, error] {
	return s.Fn(ctx, req)
}
