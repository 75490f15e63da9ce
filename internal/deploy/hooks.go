package deploy

import (
	"context"

	"github.com/marc/cap-git-deploy/internal/remote"
)

// Hook runs after every successful code update, in both forward and rollback
// mode. Hooks are declared up front; an absent hook is a configuration choice.
type Hook interface {
	Name() string
	Run(ctx context.Context, exec remote.Executor, target Target, sess Session) error
}

// CommandHook runs a shell command inside the target, such as a dependency
// install.
type CommandHook struct {
	Command string
}

func (h CommandHook) Name() string { return h.Command }

func (h CommandHook) Run(ctx context.Context, exec remote.Executor, target Target, _ Session) error {
	return exec.Run(ctx, target.Path, h.Command, nil)
}

// HookFunc adapts a function to Hook.
func HookFunc(name string, fn func(ctx context.Context, exec remote.Executor, target Target, sess Session) error) Hook {
	return hookFunc{name: name, fn: fn}
}

type hookFunc struct {
	name string
	fn   func(context.Context, remote.Executor, Target, Session) error
}

func (h hookFunc) Name() string { return h.name }

func (h hookFunc) Run(ctx context.Context, exec remote.Executor, target Target, sess Session) error {
	return h.fn(ctx, exec, target, sess)
}
