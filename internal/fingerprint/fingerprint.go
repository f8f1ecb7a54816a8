// Package fingerprint derives a short, low-entropy device token from
// environment signals. The token is a consistency signal, not an identity.
package fingerprint

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Unknown is returned when the environment cannot be read.
const Unknown = "unknown"

// userAgentLimit bounds the user agent prefix that feeds the hash.
const userAgentLimit = 50

// Environment captures the signals that feed the fingerprint.
type Environment struct {
	ScreenWidth    int
	ScreenHeight   int
	ColorDepth     int
	Language       string
	Platform       string
	UserAgent      string
	PixelRatio     float64
	TimezoneOffset int // minutes east of UTC
}

// Source supplies environment signals.
type Source interface {
	Environment() (Environment, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Environment, error)

// Environment implements Source.
func (f SourceFunc) Environment() (Environment, error) { return f() }

// Static returns a Source that always yields env.
func Static(env Environment) Source {
	return SourceFunc(func() (Environment, error) { return env, nil })
}

// Generator turns environment signals into a fingerprint token.
type Generator struct {
	source Source
}

// NewGenerator constructs a Generator over source.
func NewGenerator(source Source) *Generator {
	return &Generator{source: source}
}

// Generate returns the fingerprint for the current environment, or Unknown
// when the source is missing or fails.
func (g *Generator) Generate() string {
	if g == nil || g.source == nil {
		return Unknown
	}
	env, errEnv := g.source.Environment()
	if errEnv != nil {
		return Unknown
	}
	return Of(env)
}

// Of hashes env into a base36 token.
func Of(env Environment) string {
	ua := env.UserAgent
	if len(ua) > userAgentLimit {
		ua = ua[:userAgentLimit]
	}
	parts := []string{
		strconv.Itoa(env.ScreenWidth) + "x" + strconv.Itoa(env.ScreenHeight),
		strconv.Itoa(env.ColorDepth),
		strings.ToLower(strings.TrimSpace(env.Language)),
		strings.ToLower(strings.TrimSpace(env.Platform)),
		ua,
		strconv.FormatFloat(env.PixelRatio, 'f', 2, 64),
		strconv.Itoa(env.TimezoneOffset),
	}
	sum := xxh3.HashString(strings.Join(parts, "|"))
	// Fold to 32 bits.
	return strconv.FormatUint(uint64(uint32(sum^(sum>>32))), 36)
}

type contextKey struct{}

// WithValue returns a context carrying fp.
func WithValue(ctx context.Context, fp string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, fp)
}

// FromContext returns the fingerprint stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	fp, ok := ctx.Value(contextKey{}).(string)
	if !ok || strings.TrimSpace(fp) == "" {
		return "", false
	}
	return fp, true
}

// ErrNoSignals reports an environment without any usable signal.
var ErrNoSignals = errors.New("fingerprint: no environment signals")
