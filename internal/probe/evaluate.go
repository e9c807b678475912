// Package probe turns raw probe output into health verdicts.
//
// # Verdict policy
//
// Connectivity output is healthy when the tool reports at least one reply.
// Command-plane output is healthy unless it carries the total-loss pattern;
// partial loss is deliberately treated as healthy so transient drops do not
// move traffic.
//
// Probe errors (missing tool, SSH failure, device error stream) are not
// verdicts. Probers return them as errors and the caller skips the cycle.
package probe

import (
	"regexp"
	"strconv"
	"strings"

	"edgefailover/internal/models"
)

// DefaultTotalLossPattern matches RouterOS ping statistics with no replies.
const DefaultTotalLossPattern = "received=0 packet-loss=100%"

var (
	aliveRe         = regexp.MustCompile(`(?m)\bis alive\b`)
	receivedCountRe = regexp.MustCompile(`(\d+) (?:packets )?received`)
	receivedKVRe    = regexp.MustCompile(`received=(\d+)`)
)

// Evaluator interprets raw probe output.
type Evaluator struct {
	lossTokens []string
}

// NewEvaluator builds an evaluator for the given total-loss pattern. The
// pattern matches when every whitespace-separated token of it appears in the
// output, so column spacing on the device does not matter.
func NewEvaluator(totalLossPattern string) Evaluator {
	if strings.TrimSpace(totalLossPattern) == "" {
		totalLossPattern = DefaultTotalLossPattern
	}
	return Evaluator{lossTokens: strings.Fields(totalLossPattern)}
}

// Evaluate returns the health verdict for raw output of the given kind.
func (e Evaluator) Evaluate(raw string, kind models.Source) bool {
	switch kind {
	case models.SourceCommandPlane:
		return !e.totalLoss(raw)
	case models.SourceConnectivity:
		return replied(raw)
	default:
		return false
	}
}

func (e Evaluator) totalLoss(raw string) bool {
	for _, tok := range e.lossTokens {
		if !containsToken(raw, tok) {
			return false
		}
	}
	return true
}

// containsToken matches tok only where it is not glued to neighbouring digits,
// so "received=0" does not match "received=05" and "0" does not match "10".
func containsToken(raw, tok string) bool {
	for offset := 0; ; {
		idx := strings.Index(raw[offset:], tok)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(tok)
		digitBefore := start > 0 && isDigit(raw[start-1]) && isDigit(tok[0])
		digitAfter := end < len(raw) && isDigit(raw[end]) && isDigit(tok[len(tok)-1])
		if !digitBefore && !digitAfter {
			return true
		}
		offset = start + 1
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func replied(raw string) bool {
	if aliveRe.MatchString(raw) {
		return true
	}
	for _, re := range []*regexp.Regexp{receivedCountRe, receivedKVRe} {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return true
			}
		}
	}
	return false
}
