package classifier

import (
	"regexp"
	"strings"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var wordRE = regexp.MustCompile(`[a-z0-9][a-z0-9_.:-]*[a-z0-9]`)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "not": {}, "was": {}, "with": {}, "this": {},
	"that": {}, "from": {}, "are": {}, "has": {}, "have": {}, "been": {}, "can": {},
	"cannot": {}, "into": {}, "its": {}, "but": {}, "you": {}, "your": {},
}

// ExtractTokens returns the resource type, logical id, resource status and
// significant words of each signal, in signal input order. The first
// occurrence of a token wins.
func ExtractTokens(signals []types.FailureSignal) []string {
	seen := map[string]struct{}{}
	out := []string{}
	add := func(tok string) {
		if tok == "" {
			return
		}
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	for _, sig := range signals {
		add(sig.ResourceType)
		add(sig.LogicalID)
		add(sig.ResourceStatus)
		for _, w := range wordRE.FindAllString(strings.ToLower(sig.StatusReason), -1) {
			if len(w) < 3 {
				continue
			}
			if _, stop := stopwords[w]; stop {
				continue
			}
			add(w)
		}
	}
	return out
}
