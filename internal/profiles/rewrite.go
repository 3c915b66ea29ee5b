package profiles

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"channel-relay/internal/models"
)

// ErrRewrite reports a search pattern that does not compile, does not match
// the source URL, or a replace template that references a missing group.
// Patterns use RE2 syntax, so lookarounds and backreferences do not compile.
var ErrRewrite = errors.New("stream url rewrite failed")

// Rewrite applies search/replace to url. Positional references in replace
// use the $<digits> form and are translated to the regexp engine's own
// syntax before substitution. A pattern that matches nothing is an error;
// the input is never passed through untouched.
func Rewrite(url, search, replace string) (string, error) {
	re, err := regexp.Compile(search)
	if err != nil {
		return "", fmt.Errorf("%w: compile search pattern %q: %v", ErrRewrite, search, err)
	}
	if !re.MatchString(url) {
		return "", fmt.Errorf("%w: search pattern %q does not match url", ErrRewrite, search)
	}
	template, maxGroup := escapeTemplate(replace)
	if maxGroup > re.NumSubexp() {
		return "", fmt.Errorf("%w: replace template references group %d but pattern has %d", ErrRewrite, maxGroup, re.NumSubexp())
	}
	return re.ReplaceAllString(url, template), nil
}

// RewriteStream rewrites the stream's effective URL with the profile rule.
func RewriteStream(stream models.Stream, profile models.AccountProfile) (string, error) {
	rewritten, err := Rewrite(stream.EffectiveURL(), profile.SearchPattern, profile.ReplacePattern)
	if err != nil {
		return "", fmt.Errorf("profile %d (%s): %w", profile.ID, profile.Name, err)
	}
	return rewritten, nil
}

// escapeTemplate converts $<digits> into ${<digits>} and escapes every other
// dollar sign so it stays literal. It also reports the highest group
// referenced.
func escapeTemplate(replace string) (string, int) {
	var b strings.Builder
	b.Grow(len(replace) + 8)
	maxGroup := 0
	for i := 0; i < len(replace); i++ {
		c := replace[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(replace) && replace[j] >= '0' && replace[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteString("$$")
			continue
		}
		n, err := strconv.Atoi(replace[i+1 : j])
		if err != nil {
			// absurdly long group number; keep it literal
			b.WriteString("$$")
			b.WriteString(replace[i+1 : j])
			i = j - 1
			continue
		}
		if n > maxGroup {
			maxGroup = n
		}
		b.WriteString("${")
		b.WriteString(strconv.Itoa(n))
		b.WriteByte('}')
		i = j - 1
	}
	return b.String(), maxGroup
}
