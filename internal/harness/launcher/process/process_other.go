//go:build !unix

package process

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
)

const ID = "Command"

func Register(reg *launcher.Registry) error {
	return reg.Register(ID, func(logger *slog.Logger) launcher.Launcher { return unsupported{} })
}

type unsupported struct{}

func (unsupported) NativeConsole() bool { return false }

func (unsupported) Launch(context.Context, launcher.LaunchSpec) (launcher.Instance, error) {
	return nil, errors.New("process: command launcher requires a unix platform")
}
