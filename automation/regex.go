package automation

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	regexCacheSize  = 256
	maxRegexLength  = 500
	maxRegexGroups  = 20
	maxRegexNesting = 5
)

// regexCache holds compiled match_regex patterns shared by all rules.
var regexCache = func() *lru.Cache[string, *regexp.Regexp] {
	c, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(fmt.Sprintf("regex cache: %v", err))
	}
	return c
}()

// compileRegex returns the compiled pattern from cache, compiling and
// caching it on a miss.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	if err := checkRegexSize(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// checkRegexSize bounds pattern length, group count and nesting depth.
func checkRegexSize(pattern string) error {
	if len(pattern) > maxRegexLength {
		return fmt.Errorf("regex pattern too long (max %d chars): %d chars", maxRegexLength, len(pattern))
	}
	if strings.Count(pattern, "(") > maxRegexGroups {
		return fmt.Errorf("regex pattern has too many groups (max %d)", maxRegexGroups)
	}
	depth, deepest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			deepest = max(deepest, depth)
		case ')':
			depth--
		}
	}
	if deepest > maxRegexNesting {
		return fmt.Errorf("regex pattern nests groups too deeply (max %d levels)", maxRegexNesting)
	}
	return nil
}
