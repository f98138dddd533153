// Package guard screens raw user text before it is forwarded to a language
// model.
//
// A [Validator] evaluates an ordered list of [Rule] values. The first rule that
// matches rejects the input with its typed [Reason]; remaining rules are
// skipped. The default rule set is, in order:
//
//  1. [ReasonEmptyInput]: the input is empty after trimming whitespace.
//  2. [ReasonTooLong]: the input has more than [Limits.MaxLength] characters.
//  3. [ReasonTooManySpecialChars]: more than [Limits.MaxSpecialChars] of
//     < > { } [ ] \ | appear anywhere in the input.
//  4. [ReasonInjectionPattern]: an instruction-override phrase, a role
//     spoofing marker or a chat-template control token is present.
//  5. [ReasonMarkupInjection]: a script tag, javascript: URI or inline event
//     handler is present.
//
// The checks are pattern heuristics. They are a tunable first line of
// defence and must not be treated as a security boundary on their own.
package guard

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// Default thresholds.
const (
	DefaultMaxLength       = 1000
	DefaultMaxSpecialChars = 5
)

// specialChars is the set counted by the special-character rule.
const specialChars = `<>{}[]\|`

// Reason identifies why an input was rejected.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonEmptyInput          Reason = "empty_input"
	ReasonTooLong             Reason = "too_long"
	ReasonTooManySpecialChars Reason = "too_many_special_chars"
	ReasonInjectionPattern    Reason = "injection_pattern"
	ReasonMarkupInjection     Reason = "markup_injection"
)

// maliciousMessage is shared by both injection reasons so callers learn
// nothing about which pattern fired.
const maliciousMessage = "Input contains potentially malicious content"

// Limits holds the numeric thresholds used by the default rules.
type Limits struct {
	MaxLength       int
	MaxSpecialChars int
}

// DefaultLimits returns the built-in thresholds.
func DefaultLimits() Limits {
	return Limits{MaxLength: DefaultMaxLength, MaxSpecialChars: DefaultMaxSpecialChars}
}

// normalized replaces non-positive fields with their defaults.
func (l Limits) normalized() Limits {
	if l.MaxLength <= 0 {
		l.MaxLength = DefaultMaxLength
	}
	if l.MaxSpecialChars <= 0 {
		l.MaxSpecialChars = DefaultMaxSpecialChars
	}
	return l
}

// Rule is a single named check. Match reports whether input must be rejected
// under the given limits.
type Rule struct {
	Reason Reason

	// Message is the client-visible rejection text. When empty the built-in
	// message for Reason is used.
	Message string

	Match func(input string, limits Limits) bool
}

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:(?:previous|prior|above)\s+)?instructions\b`),
		regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`),
		regexp.MustCompile(`(?i)\bsystem\s*:`),
		regexp.MustCompile(`(?i)\bassistant\s*:`),
		regexp.MustCompile(`(?i)\[/?INST\]`),
		regexp.MustCompile(`(?i)<\|im_(?:start|end)\|>`),
	}

	markupPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)\bon(?:error|load)\s*=`),
	}
)

func matchAny(patterns []*regexp.Regexp, input string) bool {
	for _, re := range patterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// CountSpecialChars returns the number of runes in input drawn from
// < > { } [ ] \ |, regardless of position or escaping.
func CountSpecialChars(input string) int {
	n := 0
	for _, r := range input {
		if strings.ContainsRune(specialChars, r) {
			n++
		}
	}
	return n
}

// DefaultRules returns the built-in rule list in evaluation order. The
// returned slice is a fresh copy and may be modified by the caller.
func DefaultRules() []Rule {
	return []Rule{
		{
			Reason: ReasonEmptyInput,
			Match: func(input string, _ Limits) bool {
				return strings.TrimSpace(input) == ""
			},
		},
		{
			Reason: ReasonTooLong,
			Match: func(input string, l Limits) bool {
				return utf8.RuneCountInString(input) > l.MaxLength
			},
		},
		{
			Reason: ReasonTooManySpecialChars,
			Match: func(input string, l Limits) bool {
				return CountSpecialChars(input) > l.MaxSpecialChars
			},
		},
		{
			Reason: ReasonInjectionPattern,
			Match: func(input string, _ Limits) bool {
				return matchAny(injectionPatterns, input)
			},
		},
		{
			Reason: ReasonMarkupInjection,
			Match: func(input string, _ Limits) bool {
				return matchAny(markupPatterns, input)
			},
		},
	}
}

// message returns the client-visible text for a built-in reason.
func message(reason Reason, l Limits) string {
	switch reason {
	case ReasonEmptyInput:
		return "Input cannot be empty"
	case ReasonTooLong:
		return fmt.Sprintf("Input is too long (maximum %d characters)", l.MaxLength)
	case ReasonTooManySpecialChars:
		return "Input contains too many special characters"
	case ReasonInjectionPattern, ReasonMarkupInjection:
		return maliciousMessage
	default:
		return "Input was rejected"
	}
}

// Result is the outcome of validating one input.
type Result struct {
	Valid  bool
	Reason Reason
	Error  string
}

// Err returns a *[RejectionError] for an invalid result and nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &RejectionError{Reason: r.Reason, Message: r.Error}
}

// RejectionError is returned by [Result.Err]. Its Error text is safe to show
// to clients verbatim.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

// Option is a functional option for [New].
type Option func(*Validator)

// WithLimits sets the thresholds. Non-positive fields fall back to the
// defaults.
func WithLimits(l Limits) Option {
	return func(v *Validator) {
		v.SetLimits(l)
	}
}

// WithRules replaces the rule list. Rules are evaluated in slice order.
func WithRules(rules []Rule) Option {
	return func(v *Validator) {
		v.rules = append([]Rule(nil), rules...)
	}
}

// Validator applies an ordered rule list. It is safe for concurrent use;
// limits may be swapped at runtime with [Validator.SetLimits].
type Validator struct {
	rules  []Rule
	limits atomic.Pointer[Limits]
}

// New returns a Validator with [DefaultRules] and [DefaultLimits] unless
// overridden by opts.
func New(opts ...Option) *Validator {
	v := &Validator{rules: DefaultRules()}
	v.SetLimits(DefaultLimits())
	for _, o := range opts {
		o(v)
	}
	return v
}

// Limits returns the thresholds currently in effect.
func (v *Validator) Limits() Limits {
	return *v.limits.Load()
}

// SetLimits atomically replaces the thresholds used by subsequent calls.
func (v *Validator) SetLimits(l Limits) {
	l = l.normalized()
	v.limits.Store(&l)
}

// Validate runs the rules in order and returns the first rejection, or a
// valid result when no rule matches.
func (v *Validator) Validate(input string) Result {
	limits := v.Limits()
	for _, rule := range v.rules {
		if !rule.Match(input, limits) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = message(rule.Reason, limits)
		}
		return Result{Valid: false, Reason: rule.Reason, Error: msg}
	}
	return Result{Valid: true}
}

var defaultValidator = New()

// Validate checks input with the default rules and limits.
func Validate(input string) Result {
	return defaultValidator.Validate(input)
}
