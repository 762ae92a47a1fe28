package sandbox

import (
	"encoding/base64"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Language struct {
	Id    string `toml:"-"`
	Image string `toml:"image"`
	// Pipeline reads the decoded program on stdin, builds it if needed and
	// runs it.
	Pipeline string `toml:"pipeline"`
	// Harness is a format string taking the user code and the solve
	// arguments. Empty means the language cannot be judged.
	Harness string `toml:"harness"`
}

// Command builds the shell invocation for script. The script travels as
// base64 so no quoting in the user code can break out of the shell string.
func (l Language) Command(script string) []string {
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	return []string{"/bin/sh", "-c", fmt.Sprintf("echo %s | %s", encoded, l.Pipeline)}
}

const pythonHarness = `# User's function definition
%s

try:
    result = solve(%s)
    print(result)
except Exception as e:
    import sys
    print(e, file=sys.stderr)
    sys.exit(1)
`

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		Id:       "python",
		Image:    "python:3.9-slim",
		Pipeline: "base64 -d | python",
		Harness:  pythonHarness,
	})
	r.Register(Language{
		Id:       "cpp",
		Image:    "gcc:latest",
		Pipeline: "base64 -d > main.cpp && g++ -o main main.cpp && ./main",
	})
	r.Register(Language{
		Id:       "java",
		Image:    "openjdk:11-jdk-slim",
		Pipeline: "base64 -d > Main.java && javac Main.java && java Main",
	})
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.Id] = lang
}

func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, id)
	}
	return lang, nil
}

func (r *Registry) Ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.languages))
}

type languagesFile struct {
	Languages map[string]Language `toml:"languages"`
}

// LoadRegistry returns the default registry overlaid with the languages
// declared in the TOML file at path. Fields left empty in the file keep
// their default values.
//
//	[languages.python]
//	image = "python:3.12-slim"
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read languages file: %w", err)
	}

	var f languagesFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse languages file: %w", err)
	}

	for id, lang := range f.Languages {
		base, err := r.Get(id)
		if err != nil {
			base = Language{}
		}
		base.Id = id
		if lang.Image != "" {
			base.Image = lang.Image
		}
		if lang.Pipeline != "" {
			base.Pipeline = lang.Pipeline
		}
		if lang.Harness != "" {
			base.Harness = lang.Harness
		}
		if base.Image == "" || base.Pipeline == "" {
			return nil, fmt.Errorf("language %q needs an image and a pipeline", id)
		}
		r.Register(base)
	}

	return r, nil
}
