package language

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/shlex"
)

// ProgramName is the base name of the staged source file and compiled artifact
const ProgramName = "UserProgram"

// Binding carries per-submission values substituted into command templates.
//
// Supported placeholders: {src} source file, {bin} artifact name,
// {id} submission id, {memory} memory ceiling in MB.
type Binding struct {
	SubmissionID  string
	MemoryLimitMb int64
}

// Profile is the capability set the pipeline dispatches on
type Profile interface {
	Language() string
	Version() *semver.Version
	Aliases() []string
	Extension() string
	// Image names the container image used by image-based providers.
	Image() string
	Compiled() bool
	// CompileCommand returns nil for languages without a compile step.
	CompileCommand(b Binding) ([]string, error)
	RunCommand(b Binding) ([]string, error)
}

// SourceFile returns the staged file name for a profile
func SourceFile(p Profile) string {
	return ProgramName + "." + p.Extension()
}

type baseProfile struct {
	language  string
	version   *semver.Version
	aliases   []string
	extension string
	image     string
	runTpl    string
}

func (p *baseProfile) Language() string         { return p.language }
func (p *baseProfile) Version() *semver.Version { return p.version }
func (p *baseProfile) Extension() string        { return p.extension }
func (p *baseProfile) Image() string            { return p.image }

func (p *baseProfile) Aliases() []string {
	aliases := make([]string, len(p.aliases))
	copy(aliases, p.aliases)
	return aliases
}

func (p *baseProfile) RunCommand(b Binding) ([]string, error) {
	return expand(p.runTpl, p.extension, b)
}

// interpretedProfile has no compile step
type interpretedProfile struct {
	baseProfile
}

func (p *interpretedProfile) Compiled() bool { return false }

func (p *interpretedProfile) CompileCommand(Binding) ([]string, error) {
	return nil, nil
}

// compiledProfile produces an artifact before running
type compiledProfile struct {
	baseProfile
	compileTpl string
}

func (p *compiledProfile) Compiled() bool { return true }

func (p *compiledProfile) CompileCommand(b Binding) ([]string, error) {
	return expand(p.compileTpl, p.extension, b)
}

// Definition describes a profile before registration
type Definition struct {
	Language   string
	Version    string
	Aliases    []string
	Extension  string
	Image      string
	CompileCmd string
	RunCmd     string
}

// New builds a profile; a non-empty compile template makes it a compiled profile
func New(def Definition) (Profile, error) {
	if def.Language == "" {
		return nil, fmt.Errorf("language is required")
	}
	if def.Extension == "" {
		return nil, fmt.Errorf("%s: extension is required", def.Language)
	}
	if strings.TrimSpace(def.RunCmd) == "" {
		return nil, fmt.Errorf("%s: run command is required", def.Language)
	}

	versionText := def.Version
	if versionText == "" {
		versionText = "0.0.0"
	}
	version, err := semver.NewVersion(versionText)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse version %s: %w", def.Language, def.Version, err)
	}

	base := baseProfile{
		language:  def.Language,
		version:   version,
		aliases:   def.Aliases,
		extension: strings.TrimPrefix(def.Extension, "."),
		image:     def.Image,
		runTpl:    def.RunCmd,
	}

	// Reject templates that cannot be split before anything runs
	if _, err := expand(def.RunCmd, base.extension, Binding{}); err != nil {
		return nil, fmt.Errorf("%s: %w", def.Language, err)
	}

	if strings.TrimSpace(def.CompileCmd) == "" {
		return &interpretedProfile{baseProfile: base}, nil
	}
	if _, err := expand(def.CompileCmd, base.extension, Binding{}); err != nil {
		return nil, fmt.Errorf("%s: %w", def.Language, err)
	}
	return &compiledProfile{baseProfile: base, compileTpl: def.CompileCmd}, nil
}

func expand(tpl, extension string, b Binding) ([]string, error) {
	expanded := strings.NewReplacer(
		"{src}", ProgramName+"."+extension,
		"{bin}", ProgramName,
		"{id}", b.SubmissionID,
		"{memory}", strconv.FormatInt(b.MemoryLimitMb, 10),
	).Replace(tpl)

	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command template %q: %w", tpl, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command template %q is empty after expansion", tpl)
	}
	return fields, nil
}
