package tools

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// NormalizeFilename strips the extension, lowercases and trims a filename
// for matching.
func NormalizeFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ToLower(strings.TrimSpace(name))
}

// ratio is the normalized similarity of two strings in [0,100].
func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	return 100 * (1 - float64(dist)/float64(longer))
}

// tokenSetRatio compares the sorted unique-token intersections of two
// strings, making the score insensitive to word order and repetition.
func tokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)

	inter := []string{}
	for tok := range ta {
		if tb[tok] {
			inter = append(inter, tok)
		}
	}
	sort.Strings(inter)
	interStr := strings.Join(inter, " ")

	best := ratio(sortedTokens(ta), sortedTokens(tb))
	if interStr != "" {
		if r := ratio(interStr, sortedTokens(ta)); r > best {
			best = r
		}
		if r := ratio(interStr, sortedTokens(tb)); r > best {
			best = r
		}
	}
	return best
}

// partialRatio is the best ratio of the shorter string against any
// equally-sized window of the longer one.
func partialRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return 0
	}
	best := 0.0
	for i := 0; i+len(ra) <= len(rb); i++ {
		if r := ratio(string(ra), string(rb[i:i+len(ra)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		out[tok] = true
	}
	return out
}

func sortedTokens(set map[string]bool) string {
	toks := make([]string, 0, len(set))
	for tok := range set {
		toks = append(toks, tok)
	}
	sort.Strings(toks)
	return strings.Join(toks, " ")
}

// MatchCustomerByFilename scores every customer against the normalized
// attachment filename and returns the top three above threshold. Customer
// names use token-set similarity; customer numbers use partial matching.
func MatchCustomerByFilename(filename string, customers []domain.Customer, threshold float64) *domain.CustomerMatchResult {
	normalized := NormalizeFilename(filename)

	var candidates []domain.CustomerCandidate
	for _, customer := range customers {
		scoreName := tokenSetRatio(normalized, strings.ToLower(customer.Name))
		scoreNum := partialRatio(strings.ToLower(customer.CustomerNum), normalized)
		score := scoreName
		if scoreNum > score {
			score = scoreNum
		}
		if score >= threshold {
			candidates = append(candidates, domain.CustomerCandidate{
				CustomerID:  customer.CustomerID,
				CustomerNum: customer.CustomerNum,
				Name:        customer.Name,
				Score:       score,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	if len(candidates) == 0 {
		return &domain.CustomerMatchResult{
			OK: false,
			Errors: []domain.ErrorInfo{{
				Code:    domain.CodeCustomerMatchLowScore,
				Reason:  "No customer match found above threshold",
				Details: map[string]any{"filename": filename, "threshold": threshold},
			}},
		}
	}

	best := candidates[0]
	return &domain.CustomerMatchResult{
		OK:            true,
		CustomerID:    best.CustomerID,
		Score:         best.Score,
		TopCandidates: candidates,
	}
}
