// Package i18n renders display labels for reason codes, bands, criteria and
// dashboard buckets in the client's language.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// catalog is the loaded bundle plus the localizer used for contexts that
// carry none, in the language given to Init.
type catalog struct {
	bundle   *i18n.Bundle
	lang     language.Tag
	fallback *i18n.Localizer
}

var current atomic.Pointer[catalog]

// Init loads every embedded locale and makes lang the default language.
// lang must match one of the embedded locales.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	paths, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list locales: %w", err)
	}
	for _, p := range paths {
		if _, err := bundle.LoadMessageFileFS(localeFS, p); err != nil {
			return fmt.Errorf("load locale %s: %w", p, err)
		}
	}

	tags := bundle.LanguageTags()
	if _, _, conf := language.NewMatcher(tags).Match(tag); conf == language.No {
		return fmt.Errorf("no locale for language %q (have %v)", lang, tags)
	}

	current.Store(&catalog{
		bundle:   bundle,
		lang:     tag,
		fallback: i18n.NewLocalizer(bundle, tag.String()),
	})
	slog.Info("loaded locales", "count", len(paths), "default", tag.String())
	return nil
}

// Languages returns the languages of the loaded locales, default first.
func Languages() []language.Tag {
	c := current.Load()
	if c == nil {
		return nil
	}
	return c.bundle.LanguageTags()
}

// NewLocalizer creates a localizer for the given languages, falling back to
// the default language. It returns nil before Init.
func NewLocalizer(langs ...string) *i18n.Localizer {
	c := current.Load()
	if c == nil {
		return nil
	}
	return i18n.NewLocalizer(c.bundle, append(append([]string(nil), langs...), c.lang.String())...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok && loc != nil {
		return loc
	}
	if c := current.Load(); c != nil {
		return c.fallback
	}
	return nil
}

// localize returns the message ID itself when the message cannot be
// rendered, so a missing translation never blanks a label.
func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	loc := localizerFromCtx(ctx)
	if loc == nil {
		slog.Warn("translation requested before i18n init", "id", cfg.MessageID)
		return cfg.MessageID
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message; Count is available to the template.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
