package tele

import (
	"context"

	"github.com/meatnet/probe/log2"
)

type Noop struct{}

var _ Teler = Noop{} // compile-time interface test

func (Noop) Init(context.Context, *log2.Log, Config) error { return nil }

func (Noop) Close() {}

func (Noop) Error(error) {}

func (Noop) Event(Event) {}

func (Noop) State(State) {}
