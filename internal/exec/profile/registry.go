package profile

import (
	"os"
	"path/filepath"
	"sort"

	appErr "runbox/pkg/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Registry resolves language ids to immutable runtime profiles.
// Lookups are pure and side-effect-free.
type Registry struct {
	profiles map[string]RuntimeProfile
}

// NewRegistry validates the given profiles and builds a registry.
// Duplicate or malformed profiles fail the whole load; a registry never
// contains a partial profile.
func NewRegistry(profiles []RuntimeProfile) (*Registry, error) {
	byID := make(map[string]RuntimeProfile, len(profiles))
	for _, p := range profiles {
		if err := validateProfile(p); err != nil {
			return nil, err
		}
		if _, ok := byID[p.LanguageID]; ok {
			return nil, appErr.ValidationError("languageId", "duplicate profile: "+p.LanguageID)
		}
		byID[p.LanguageID] = p
	}
	return &Registry{profiles: byID}, nil
}

// LoadRegistry reads runtime profiles from a YAML file and builds a registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "read profile file failed")
	}
	var doc struct {
		Profiles []RuntimeProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "parse profile file failed")
	}
	return NewRegistry(doc.Profiles)
}

// Resolve returns the profile for a language id.
func (r *Registry) Resolve(languageID string) (RuntimeProfile, error) {
	if languageID == "" {
		return RuntimeProfile{}, appErr.ValidationError("language_id", "required")
	}
	p, ok := r.profiles[languageID]
	if !ok {
		return RuntimeProfile{}, appErr.Newf(appErr.LanguageNotSupported, "language %q not supported", languageID)
	}
	return p, nil
}

// Languages returns all registered language ids, sorted.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Command builds the full launch argv: wrapper followed by the default command.
func Command(p RuntimeProfile) ([]string, error) {
	argv, err := splitCommand(p.Wrapper)
	if err != nil {
		return nil, appErr.ValidationError("wrapper", err.Error())
	}
	cmd, err := splitCommand(p.DefaultCmd)
	if err != nil {
		return nil, appErr.ValidationError("defaultCmd", err.Error())
	}
	return append(argv, cmd...), nil
}

func splitCommand(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	return shlex.Split(raw)
}

func validateProfile(p RuntimeProfile) error {
	if p.LanguageID == "" {
		return appErr.ValidationError("languageId", "required")
	}
	if p.WorkspaceDir == "" || !filepath.IsAbs(p.WorkspaceDir) {
		return appErr.ValidationError("workspaceDir", "must be an absolute path")
	}
	if p.UID <= 0 || p.GID <= 0 {
		return appErr.ValidationError("uid", "non-root uid/gid required")
	}
	if p.DefaultCmd == "" {
		return appErr.ValidationError("defaultCmd", "required")
	}
	if _, err := Command(p); err != nil {
		return err
	}
	return nil
}
