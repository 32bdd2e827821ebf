// Package otp pulls one-time passcodes out of verification mails and runs
// the inbox polling loop that keeps accounts' last OTP fresh.
package otp

import "regexp"

// Extractor finds a passcode in a message body.
type Extractor interface {
	Extract(body string) (string, bool)
}

// PatternExtractor returns the first capture group of its pattern.
type PatternExtractor struct {
	Name string
	re   *regexp.Regexp
}

// NewPatternExtractor compiles pattern. The passcode is its first group.
func NewPatternExtractor(name, pattern string) (*PatternExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PatternExtractor{Name: name, re: re}, nil
}

// MustPatternExtractor is NewPatternExtractor that panics on a bad pattern.
func MustPatternExtractor(name, pattern string) *PatternExtractor {
	e, err := NewPatternExtractor(name, pattern)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *PatternExtractor) Extract(body string) (string, bool) {
	m := e.re.FindStringSubmatch(body)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Chain tries extractors in order; the first match wins.
type Chain []Extractor

func (c Chain) Extract(body string) (string, bool) {
	for _, e := range c {
		if code, ok := e.Extract(body); ok {
			return code, true
		}
	}
	return "", false
}

// DefaultChain matches the shapes Battle.net verification mails have used,
// most specific first.
func DefaultChain() Chain {
	return Chain{
		MustPatternExtractor("em-6", `<em[^>]*>([A-Z0-9]{6})</em>`),
		MustPatternExtractor("em-6-8", `<em[^>]*>([A-Z0-9]{6,8})</em>`),
		MustPatternExtractor("before-em-close", `>([A-Z0-9]{6})</em>`),
		MustPatternExtractor("code-tag", `code[^>]*>([A-Z0-9]{6})<`),
		MustPatternExtractor("security-code", `security code[^<]*<[^>]*>([A-Z0-9]{6})<`),
	}
}
