// Package registry maps (language, size) pairs to loaded recognizer models.
// The registry is built once at startup and read-only afterwards, so
// resolution needs no locking.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/config"
)

// ErrUnsupportedLanguage is returned for languages outside the configured
// set. There is no cross-language fallback.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Template is a resolved handle from which per-session recognizer state is
// constructed. Many sessions may construct recognizers from one Template
// concurrently; the underlying model data is immutable.
type Template struct {
	Language string
	Size     string
	model    asr.Model
	engine   asr.Engine
	rate     int
}

// Model exposes the shared model handle, mainly for identity checks.
func (t Template) Model() asr.Model { return t.model }

// NewRecognizer creates private recognizer state bound to the shared model.
func (t Template) NewRecognizer() (asr.Recognizer, error) {
	return t.engine.NewRecognizer(t.model, t.rate)
}

// Registry holds every loaded model keyed by language and size.
type Registry struct {
	engine      asr.Engine
	rate        int
	defaultSize string
	models      map[string]map[string]asr.Model
}

// New loads every configured model through the engine. Identical paths are
// loaded once and shared, mirroring size aliases like es/medium -> es/small.
func New(engine asr.Engine, cfg config.ModelsConfig, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		engine:      engine,
		rate:        cfg.SampleRate,
		defaultSize: cfg.DefaultSize,
		models:      make(map[string]map[string]asr.Model),
	}

	byPath := make(map[string]asr.Model)
	for lang, sizes := range cfg.Paths {
		r.models[lang] = make(map[string]asr.Model)
		for size, path := range sizes {
			m, ok := byPath[path]
			if !ok {
				var err error
				m, err = engine.LoadModel(path)
				if err != nil {
					return nil, fmt.Errorf("load model %s/%s: %w", lang, size, err)
				}
				byPath[path] = m
				log.Info("model loaded",
					slog.String("language", lang),
					slog.String("size", size),
					slog.String("path", path))
			}
			r.models[lang][size] = m
		}
	}
	return r, nil
}

// Languages returns the supported language codes.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.models))
	for lang := range r.models {
		langs = append(langs, lang)
	}
	return langs
}

// Resolve returns the template for a language and size. Language must match
// exactly; an absent or unknown size degrades to the language's default
// model instead of failing.
func (r *Registry) Resolve(language, size string) (Template, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	sizes, ok := r.models[language]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	size = strings.ToLower(strings.TrimSpace(size))
	if size == "" {
		size = r.defaultSize
	}
	m, ok := sizes[size]
	if !ok {
		size = r.defaultSize
		m, ok = sizes[size]
		if !ok {
			return Template{}, fmt.Errorf("no default model for language %q", language)
		}
	}
	return Template{
		Language: language,
		Size:     size,
		model:    m,
		engine:   r.engine,
		rate:     r.rate,
	}, nil
}
