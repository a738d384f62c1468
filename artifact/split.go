package artifact

import (
	"github.com/moby/patternmatcher"
	"github.com/pkg/errors"
)

// SplitDomains classifies files (already-relative paths from an element's
// output tree) into the labelled domains declared by an element's split
// rules (§3 "Split rule": a labelled glob pattern that classifies files of
// an artifact into domains, e.g. runtime, devel). A file matching no rule
// appears in no domain of the result.
func SplitDomains(splitRules map[string][]string, files []string) (map[string][]string, error) {
	matchers := make(map[string]*patternmatcher.PatternMatcher, len(splitRules))
	for domain, globs := range splitRules {
		pm, err := patternmatcher.New(globs)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling split rule %q", domain)
		}
		matchers[domain] = pm
	}

	out := make(map[string][]string, len(splitRules))
	for _, f := range files {
		for domain, pm := range matchers {
			matched, err := pm.MatchesOrParentMatches(f)
			if err != nil {
				return nil, errors.Wrapf(err, "matching %q against split rule %q", f, domain)
			}
			if matched {
				out[domain] = append(out[domain], f)
			}
		}
	}
	return out, nil
}
