// Package language holds the language profile registry.
//
// The registry is assembled once at start-up and is read-only afterwards,
// so lookups take no locks.
package language

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/types"
)

// ErrUnsupportedLanguage is returned for tags with no registered profile
var ErrUnsupportedLanguage = errors.New("unsupported language")

var logger = logrus.WithField("component", "language")

// Builtins are registered before any configured profile
var Builtins = []Definition{
	{
		Language:   "cpp",
		Version:    "13.2.0",
		Aliases:    []string{"c++", "g++"},
		Extension:  "cpp",
		Image:      "gcc:13",
		CompileCmd: "g++ -O2 -std=c++17 -o {bin} {src}",
		RunCmd:     "./{bin}",
	},
	{
		Language:   "c",
		Version:    "13.2.0",
		Aliases:    []string{"gcc"},
		Extension:  "c",
		Image:      "gcc:13",
		CompileCmd: "gcc -O2 -std=c11 -o {bin} {src} -lm",
		RunCmd:     "./{bin}",
	},
	{
		Language:   "java",
		Version:    "21.0.0",
		Extension:  "java",
		Image:      "eclipse-temurin:21",
		CompileCmd: "javac {src}",
		RunCmd:     "java -cp . {bin}",
	},
	{
		Language:  "py",
		Version:   "3.12.0",
		Aliases:   []string{"python", "python3"},
		Extension: "py",
		Image:     "python:3.12-slim",
		RunCmd:    "python3 {src}",
	},
	{
		Language:  "js",
		Version:   "20.0.0",
		Aliases:   []string{"javascript", "node"},
		Extension: "js",
		Image:     "node:20-slim",
		RunCmd:    "node {src}",
	},
}

// Registry maps language tags and aliases to profiles
type Registry struct {
	profiles []Profile
	byTag    map[string][]Profile
}

// NewRegistry builds the registry from the built-in profiles followed by the
// configured ones. A configured profile with the same language and version
// as a built-in replaces it.
func NewRegistry(configured []config.LanguageConfig) (*Registry, error) {
	defs := make([]Definition, 0, len(Builtins)+len(configured))
	defs = append(defs, Builtins...)
	for _, lc := range configured {
		defs = append(defs, Definition{
			Language:   lc.Language,
			Version:    lc.Version,
			Aliases:    lc.Aliases,
			Extension:  lc.Extension,
			Image:      lc.Image,
			CompileCmd: lc.CompileCmd,
			RunCmd:     lc.RunCmd,
		})
	}

	r := &Registry{byTag: make(map[string][]Profile)}
	for _, def := range defs {
		profile, err := New(def)
		if err != nil {
			return nil, fmt.Errorf("failed to register language: %w", err)
		}
		r.register(profile)
	}

	r.index()
	logger.Debugf("Loaded %d language profiles", len(r.profiles))
	return r, nil
}

func (r *Registry) register(p Profile) {
	for i, existing := range r.profiles {
		if existing.Language() == p.Language() && existing.Version().Equal(p.Version()) {
			r.profiles[i] = p
			return
		}
	}
	r.profiles = append(r.profiles, p)
}

func (r *Registry) index() {
	for _, p := range r.profiles {
		r.byTag[p.Language()] = append(r.byTag[p.Language()], p)
		for _, alias := range p.Aliases() {
			if alias == p.Language() {
				continue
			}
			r.byTag[alias] = append(r.byTag[alias], p)
		}
	}

	// Newest first so Resolve can take the head
	for _, candidates := range r.byTag {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Version().GreaterThan(candidates[j].Version())
		})
	}
}

// Resolve returns the newest profile registered for a tag or alias
func (r *Registry) Resolve(tag string) (Profile, error) {
	candidates := r.byTag[tag]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, tag)
	}
	return candidates[0], nil
}

// ResolveVersion returns the newest profile for a tag matching a semver constraint
func (r *Registry) ResolveVersion(tag, version string) (Profile, error) {
	if version == "" || version == "*" {
		return r.Resolve(tag)
	}

	constraint, err := semver.NewConstraint(version)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version constraint %q: %v", types.ErrInvalidSubmission, version, err)
	}

	for _, p := range r.byTag[tag] {
		if constraint.Check(p.Version()) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %s-%s", ErrUnsupportedLanguage, tag, version)
}

// List returns all registered profiles
func (r *Registry) List() []Profile {
	result := make([]Profile, len(r.profiles))
	copy(result, r.profiles)
	return result
}
