package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/isdmx/execbox/config"
)

// LanguageName constants
const (
	LanguagePython = "python"
	LanguageC      = "c"
	LanguageCPP    = "cpp"
	LanguageJava   = "java"
)

// Placeholders expanded in language templates
const (
	versionPlaceholder = "{version}"
	filePlaceholder    = "{file}"
)

// plannedLanguages are recognised but have no run profile yet.
var plannedLanguages = map[string]string{
	LanguageC:    "C",
	LanguageCPP:  "C++",
	LanguageJava: "Java",
}

// Profile is a language resolved to a concrete image and command.
type Profile struct {
	Language    string
	Version     string
	Image       string
	Extension   string
	Command     []string
	Environment map[string]string
}

// CodePath is where the code file is mounted inside the sandbox.
func (p Profile) CodePath() string {
	return "/code." + p.Extension
}

// Program returns the argv that runs the mounted code file.
func (p Profile) Program() []string {
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		argv[i] = strings.ReplaceAll(arg, filePlaceholder, p.CodePath())
	}
	return argv
}

// Registry resolves language identifiers to run profiles.
type Registry struct {
	defaultLanguage string
	languages       map[string]config.Language
}

// NewRegistry creates a Registry over the configured languages.
func NewRegistry(defaultLanguage string, languages map[string]config.Language) *Registry {
	if defaultLanguage == "" {
		defaultLanguage = LanguagePython
	}
	return &Registry{
		defaultLanguage: defaultLanguage,
		languages:       maps.Clone(languages),
	}
}

// Languages returns the names of the implemented languages, sorted.
func (r *Registry) Languages() []string {
	return slices.Sorted(maps.Keys(r.languages))
}

// Resolve returns the profile for language at version. Empty values fall
// back to the default language and the language's baseline version.
func (r *Registry) Resolve(language, version string) (Profile, error) {
	if language == "" {
		language = r.defaultLanguage
	}

	lang, ok := r.languages[language]
	if !ok {
		if name, planned := plannedLanguages[language]; planned {
			return Profile{}, &unsupportedLanguageError{msg: fmt.Sprintf("%s is not supported yet", name)}
		}
		return Profile{}, &unsupportedLanguageError{msg: fmt.Sprintf("invalid language: %s", language)}
	}

	if version == "" {
		version = lang.DefaultVersion
	}

	return Profile{
		Language:    language,
		Version:     version,
		Image:       strings.ReplaceAll(lang.Image, versionPlaceholder, version),
		Extension:   lang.Extension,
		Command:     slices.Clone(lang.Command),
		Environment: maps.Clone(lang.Environment),
	}, nil
}
