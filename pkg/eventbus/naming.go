package eventbus

import (
	"regexp"
	"strings"
)

// Convention selects the separator used to join name tokens.
type Convention string

const (
	KebabCase Convention = "kebab"
	SnakeCase Convention = "snake"
	DotCase   Convention = "dot"
)

func (c Convention) separator() string {
	switch c {
	case SnakeCase:
		return "_"
	case DotCase:
		return "."
	default:
		return "-"
	}
}

// ConsumerNameSource controls how a consumer name is derived from its
// consumer type and the configured prefix.
type ConsumerNameSource string

const (
	ConsumerNameFromTypeName        ConsumerNameSource = "type-name"
	ConsumerNameFromPrefix          ConsumerNameSource = "prefix"
	ConsumerNameFromPrefixAndType   ConsumerNameSource = "prefix-and-type-name"
)

// NamingConfig configures the pure name-derivation pipeline of §4.A.
type NamingConfig struct {
	Scope              string             `env:"EVENTBUS_NAMING_SCOPE"`
	Convention         Convention         `env:"EVENTBUS_NAMING_CONVENTION" env-default:"kebab"`
	UseFullTypeNames   bool               `env:"EVENTBUS_NAMING_FULL_TYPE_NAMES"`
	ConsumerNameSource ConsumerNameSource `env:"EVENTBUS_NAMING_CONSUMER_SOURCE" env-default:"prefix-and-type-name"`
	ConsumerNamePrefix string             `env:"EVENTBUS_NAMING_CONSUMER_PREFIX"`
	SuffixConsumerName bool               `env:"EVENTBUS_NAMING_SUFFIX_CONSUMER_NAME" env-default:"true"`
}

var (
	wordBoundary     = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	acronymBoundary  = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	genericArity     = regexp.MustCompile(`\[\d+\]$|` + "`" + `\d+$`)
	invalidCharsRun  = regexp.MustCompile(`[^A-Za-z0-9]+`)
	// overrideInvalidChars treats any of the three separator characters as
	// already valid, so a literal override such as "sample-event" survives
	// unchanged no matter which Convention is configured.
	overrideInvalidChars = regexp.MustCompile(`[^A-Za-z0-9\-_.]+`)
	repeatSeparators = map[string]*regexp.Regexp{
		"-": regexp.MustCompile(`-{2,}`),
		"_": regexp.MustCompile(`_{2,}`),
		".": regexp.MustCompile(`\.{2,}`),
	}
)

// tokenize splits a raw type-name token on case boundaries and non-letter
// separators (dots from qualified names, underscores, etc.), lower-casing
// each resulting word. It is pure and deterministic.
func tokenize(raw string) []string {
	raw = genericArity.ReplaceAllString(raw, "")
	raw = acronymBoundary.ReplaceAllString(raw, "$1 $2")
	raw = wordBoundary.ReplaceAllString(raw, "$1 $2")
	raw = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '_' || r == '-' || r == '/' || r == ' ':
			return ' '
		default:
			return r
		}
	}, raw)

	fields := strings.Fields(raw)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		words = append(words, strings.ToLower(f))
	}
	return words
}

// join renders words with the convention's separator, replaces any
// character outside [A-Za-z0-9] plus the separator, and collapses repeats.
func join(words []string, conv Convention) string {
	sep := conv.separator()
	raw := strings.Join(words, sep)
	raw = invalidCharsRun.ReplaceAllString(raw, sep)
	if re, ok := repeatSeparators[sep]; ok {
		raw = re.ReplaceAllString(raw, sep)
	}
	raw = strings.Trim(raw, sep)
	return raw
}

// typeNameToken picks the simple or fully-qualified type-name token.
func typeNameToken(simpleName, qualifiedName string, useFullTypeNames bool) string {
	if useFullTypeNames && qualifiedName != "" {
		return qualifiedName
	}
	return simpleName
}

// EventName derives the on-the-wire event name for a type, honouring an
// optional raw override (§4.A "Attribute overrides"): an override replaces
// the type-derived token but is still subjected to invalid-character
// replacement, not re-cased.
func EventName(simpleName, qualifiedName, override string, cfg NamingConfig) string {
	if override != "" {
		// An explicit name override is taken as the final wire name: it is
		// not re-cased, re-scoped, or otherwise reshaped by convention.
		return overrideInvalidChars.ReplaceAllString(override, cfg.Convention.separator())
	}

	words := tokenize(typeNameToken(simpleName, qualifiedName, cfg.UseFullTypeNames))
	token := join(words, cfg.Convention)

	if cfg.Scope == "" {
		return token
	}
	scopeWords := tokenize(cfg.Scope)
	return join(append(scopeWords, splitRendered(token, cfg.Convention)...), cfg.Convention)
}

// splitRendered re-splits an already-rendered name back into words so it
// can be re-joined after prefixing with a scope, without re-casing it.
func splitRendered(rendered string, conv Convention) []string {
	if rendered == "" {
		return nil
	}
	return strings.Split(rendered, conv.separator())
}

// ConsumerName derives the on-the-wire consumer name for a consumer type,
// the event it serves, and a naming configuration.
func ConsumerName(consumerSimpleName, consumerQualifiedName, override, eventName string, cfg NamingConfig) string {
	var base string
	switch override {
	case "":
		words := tokenize(typeNameToken(consumerSimpleName, consumerQualifiedName, cfg.UseFullTypeNames))
		base = join(words, cfg.Convention)
	default:
		base = invalidCharsRun.ReplaceAllString(override, cfg.Convention.separator())
	}

	prefix := cfg.ConsumerNamePrefix
	var name string
	switch cfg.ConsumerNameSource {
	case ConsumerNameFromPrefix:
		name = join(tokenize(prefix), cfg.Convention)
	case ConsumerNameFromPrefixAndType:
		prefixWords := tokenize(prefix)
		name = join(append(prefixWords, splitRendered(base, cfg.Convention)...), cfg.Convention)
	default: // ConsumerNameFromTypeName
		name = base
	}

	if cfg.SuffixConsumerName && eventName != "" {
		name = join(append(splitRendered(name, cfg.Convention), splitRendered(eventName, cfg.Convention)...), cfg.Convention)
	}

	return name
}
