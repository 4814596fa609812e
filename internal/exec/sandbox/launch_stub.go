//go:build !linux

package sandbox

import (
	"context"

	appErr "runbox/pkg/errors"
)

type stubLauncher struct{}

func newOSLauncher(Config) launcher {
	return stubLauncher{}
}

func (stubLauncher) Launch(context.Context, launchSpec) (process, error) {
	return nil, appErr.New(appErr.SandboxUnsupported)
}
