package agent

import (
	"context"

	"github.com/polzovatel/browser-brain/internal/browser"
	"github.com/polzovatel/browser-brain/internal/cognition"
	"github.com/polzovatel/browser-brain/internal/snapshot"
	"github.com/polzovatel/browser-brain/internal/tools"
)

// Decider picks the next action for a session. *cognition.Engine
// satisfies it.
type Decider interface {
	Decide(ctx context.Context, sess *cognition.Session, p snapshot.Perception) cognition.Decision
}

// Perceiver captures the current page.
type Perceiver interface {
	Perceive(ctx context.Context) (snapshot.Perception, error)
}

// Actor applies decisions. *tools.Executor satisfies it.
type Actor interface {
	Apply(ctx context.Context, d cognition.Decision, p snapshot.Perception) (tools.Outcome, error)
	Pause(ctx context.Context) error
}

// Workspace is one browser page worth of perception and action. Close may
// be nil.
type Workspace struct {
	Perceiver Perceiver
	Actor     Actor
	Close     func(ctx context.Context) error
}

// OpenFunc opens a fresh workspace for one task.
type OpenFunc func(ctx context.Context) (Workspace, error)

type pagePerceiver struct {
	ctrl browser.Controller
	opts snapshot.Options
}

func NewPagePerceiver(ctrl browser.Controller, opts snapshot.Options) Perceiver {
	return &pagePerceiver{ctrl: ctrl, opts: opts}
}

func (p *pagePerceiver) Perceive(ctx context.Context) (snapshot.Perception, error) {
	return snapshot.Collect(ctx, p.ctrl.Page(), p.opts)
}
