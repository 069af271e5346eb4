// Package template resolves `{{ path | filter }}` expressions against a
// run's inputs, vars, and secrets. The language is deliberately
// non-Turing-complete: dotted path lookups plus a fixed filter set, so
// no sandboxing is required. Undefined paths render as the empty string
// except inside a URL host, where resolution fails fast instead of
// producing a request to the wrong origin. Any error text the engine
// emits is scrubbed of secret values before it escapes.
package template

import (
	"net/url"
	"strings"

	"github.com/showrun/showrun/internal/redaction"
	"github.com/showrun/showrun/internal/types"
)

// Context supplies the three resolution roots and the scrubber applied
// to error messages.
type Context struct {
	Inputs   map[string]any
	Vars     map[string]any
	Secrets  map[string]string
	Scrubber *redaction.Scrubber
}

func (c *Context) scrub(msg string) string {
	if c.Scrubber == nil {
		return msg
	}
	return c.Scrubber.Scrub(msg)
}

// HasTemplate reports whether s contains at least one placeholder.
func HasTemplate(s string) bool {
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Index(s[open:], "}}") > 0
}

// Resolve renders a template in a plain-text position: undefined paths
// become the empty string.
func Resolve(s string, ctx *Context) (string, error) {
	return resolve(s, ctx, false)
}

// ResolveURL renders a template destined to be a URL. An undefined path
// whose placeholder sits inside the host portion fails with a template
// error — a request must never silently go to a truncated host.
func ResolveURL(s string, ctx *Context) (string, error) {
	return resolve(s, ctx, true)
}

func resolve(s string, ctx *Context, urlPosition bool) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var out strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])

		expr := rest[open+2 : open+close]
		absOffset := len(s) - len(rest) + open
		value, defined, err := eval(expr, ctx)
		if err != nil {
			return "", err
		}
		if !defined && urlPosition && inHostPosition(s, absOffset) {
			return "", types.Errorf(types.KindTemplate,
				"undefined reference %q in URL host position", ctx.scrub(strings.TrimSpace(strings.SplitN(expr, "|", 2)[0])))
		}
		out.WriteString(value)
		rest = rest[open+close+2:]
	}
	return out.String(), nil
}

// inHostPosition reports whether the byte offset falls inside the host
// portion of a URL-shaped string: after a "://" with no "/" in between.
func inHostPosition(s string, offset int) bool {
	if offset < 0 {
		return false
	}
	scheme := strings.LastIndex(s[:offset], "://")
	if scheme < 0 {
		return false
	}
	return !strings.Contains(s[scheme+3:offset], "/")
}

// ============================================
// Expression Evaluation
// ============================================

// eval resolves one `path | filter | …` expression. The returned bool
// reports whether the value ended up defined (a default filter defines
// an otherwise-undefined value).
func eval(expr string, ctx *Context) (string, bool, error) {
	parts := splitPipes(expr)
	path := strings.TrimSpace(parts[0])

	value, defined := lookup(path, ctx)
	for _, raw := range parts[1:] {
		name, arg := parseFilter(raw)
		switch name {
		case "urlencode":
			value = url.QueryEscape(value)
		case "trim":
			value = strings.TrimSpace(value)
		case "upper":
			value = strings.ToUpper(value)
		case "lower":
			value = strings.ToLower(value)
		case "default":
			if !defined || value == "" {
				value = arg
				defined = true
			}
		default:
			return "", false, types.Errorf(types.KindTemplate,
				"unknown template filter %q", ctx.scrub(name))
		}
	}
	return value, defined, nil
}

// lookup resolves a dotted path against the three roots. Unknown roots
// and missing names are undefined, not errors — the caller decides
// whether that is fatal.
func lookup(path string, ctx *Context) (string, bool) {
	root, name, ok := strings.Cut(path, ".")
	if !ok {
		return "", false
	}
	switch root {
	case "inputs":
		if ctx.Inputs != nil {
			if v, present := ctx.Inputs[name]; present {
				return types.RenderScalar(v), true
			}
		}
	case "vars":
		if ctx.Vars != nil {
			if v, present := ctx.Vars[name]; present {
				return types.RenderScalar(v), true
			}
		}
	case "secret":
		if ctx.Secrets != nil {
			if v, present := ctx.Secrets[name]; present {
				return v, true
			}
		}
	}
	return "", false
}

// splitPipes splits on | outside double quotes, so default:"a|b" stays
// intact.
func splitPipes(expr string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == '|' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// parseFilter splits `name:"arg"` into name and unquoted arg.
func parseFilter(raw string) (string, string) {
	f := strings.TrimSpace(raw)
	name, arg, ok := strings.Cut(f, ":")
	if !ok {
		return f, ""
	}
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, `"`)
	arg = strings.TrimSuffix(arg, `"`)
	return strings.TrimSpace(name), arg
}
