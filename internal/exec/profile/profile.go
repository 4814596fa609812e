// Package profile defines per-language runtime profiles and their registry.
package profile

// RuntimeProfile describes how to execute code for one language.
// Profiles are produced by the image build pipeline (see docker/) and loaded
// once at startup; they are never mutated afterwards.
type RuntimeProfile struct {
	// LanguageID uniquely identifies the toolchain, e.g. "cpp".
	LanguageID string `yaml:"languageId"`
	// Image is the base image reference the profile was built from.
	Image string `yaml:"image"`
	// RootFS is an optional host path to the unpacked image filesystem.
	// When set and namespaces are enabled, the workload is chrooted into it.
	RootFS string `yaml:"rootfs"`
	// UID and GID are the non-root identity the workload runs as.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
	// WorkspaceDir is the absolute path the submission is materialized into.
	WorkspaceDir string `yaml:"workspaceDir"`
	// Wrapper is the entrypoint wrapper command line, e.g. "dumb-init --".
	Wrapper string `yaml:"wrapper"`
	// ForwardsSignals declares that the wrapper forwards termination signals
	// to its child. Graceful termination relies on this capability; when it
	// is false the controller skips SIGTERM and force-kills directly.
	ForwardsSignals bool `yaml:"forwardsSignals"`
	// DefaultCmd runs the submission when the request supplies no command.
	DefaultCmd string `yaml:"defaultCmd"`
	// SourceFile is the filename DefaultCmd expects when the request does
	// not name its single file, e.g. "main.cpp".
	SourceFile string `yaml:"sourceFile"`
	// Env is the workload environment. Empty means a minimal PATH only.
	Env []string `yaml:"env"`
	// SeccompProfile names a seccomp policy file, resolved against the
	// configured seccomp directory. Empty disables seccomp for the language.
	SeccompProfile string `yaml:"seccompProfile"`
}
