package trigger

import (
	"fmt"
	"regexp"
	"regexp/syntax"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/sensate-iot/platform-network/errors"
)

const (
	defaultPatternCacheSize = 512
	defaultMaxPatternLength = 1024
	maxProgramSize          = 10000
)

// MatchNumber applies the edges of t to value. Both edges are inclusive. A
// trigger without edges never matches.
func MatchNumber(t *Trigger, value decimal.Decimal) bool {
	switch {
	case t.LowerEdge != nil && t.UpperEdge != nil:
		return value.GreaterThanOrEqual(*t.LowerEdge) && value.LessThanOrEqual(*t.UpperEdge)
	case t.LowerEdge != nil:
		return value.GreaterThanOrEqual(*t.LowerEdge)
	case t.UpperEdge != nil:
		return value.LessThanOrEqual(*t.UpperEdge)
	default:
		return false
	}
}

// Patterns compiles and caches regex trigger patterns.
type Patterns struct {
	cache     *lru.Cache[string, *regexp.Regexp]
	maxLength int
}

// NewPatterns creates a cache of at most size compiled patterns. Patterns
// longer than maxLength are rejected.
func NewPatterns(size, maxLength int) (*Patterns, error) {
	if size <= 0 {
		size = defaultPatternCacheSize
	}
	if maxLength <= 0 {
		maxLength = defaultMaxPatternLength
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Patterns", "NewPatterns", "create cache")
	}
	return &Patterns{cache: cache, maxLength: maxLength}, nil
}

// Compile returns the compiled pattern, compiling and caching it on a miss.
func (p *Patterns) Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := p.cache.Get(pattern); ok {
		return re, nil
	}

	if pattern == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPattern, "Patterns", "Compile", "check pattern")
	}
	if len(pattern) > p.maxLength {
		return nil, errors.WrapInvalid(errors.ErrInvalidPattern, "Patterns", "Compile",
			fmt.Sprintf("pattern longer than %d characters", p.maxLength))
	}

	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPattern, err), "Patterns", "Compile",
			"parse pattern")
	}
	prog, err := syntax.Compile(parsed.Simplify())
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPattern, err), "Patterns", "Compile",
			"compile pattern")
	}
	if len(prog.Inst) > maxProgramSize {
		return nil, errors.WrapInvalid(errors.ErrInvalidPattern, "Patterns", "Compile", "pattern too complex")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPattern, err), "Patterns", "Compile",
			"compile pattern")
	}
	p.cache.Add(pattern, re)
	return re, nil
}

// MatchText reports whether text matches the pattern of t. Invalid patterns
// never match.
func (p *Patterns) MatchText(t *Trigger, text string) bool {
	re, err := p.Compile(t.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// Len returns the number of cached patterns.
func (p *Patterns) Len() int {
	return p.cache.Len()
}
