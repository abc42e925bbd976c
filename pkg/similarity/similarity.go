package similarity

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

// MaxEditRunes bounds the input size compared with edit distance. Longer
// outputs are compared line by line instead.
const MaxEditRunes = 4096

// Options tunes output normalisation.
type Options struct {
	CaseSensitive bool
}

// Score returns the similarity of two program outputs as a percentage in
// [0,100], rounded to two decimals. Comparison ignores letter case and
// trailing whitespace.
func Score(expected, actual string) float64 {
	return ScoreWithOptions(expected, actual, Options{})
}

// ScoreWithOptions is Score with explicit normalisation options.
func ScoreWithOptions(expected, actual string, opts Options) float64 {
	if expected == actual {
		return 100
	}

	a := Normalize(expected, opts)
	b := Normalize(actual, opts)
	if a == b {
		return 100
	}

	la := utf8.RuneCountInString(a)
	lb := utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}

	var ratio float64
	if la > MaxEditRunes || lb > MaxEditRunes {
		ratio = lineDice(a, b)
	} else {
		longest := la
		if lb > longest {
			longest = lb
		}
		distance := levenshtein.ComputeDistance(a, b)
		ratio = 1 - float64(distance)/float64(longest)
	}

	return round2(clamp(ratio*100, 0, 100))
}

// Normalize applies the comparison normalisation: CRLF to LF, trailing
// whitespace stripped from every line, trailing blank lines removed and,
// unless disabled, Unicode case folding.
func Normalize(output string, opts Options) string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")

	lines := strings.Split(output, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	output = strings.TrimRight(strings.Join(lines, "\n"), "\n")

	if !opts.CaseSensitive {
		// Casers keep state; one per call.
		output = cases.Fold().String(output)
	}
	return output
}

func lineDice(a, b string) float64 {
	left := strings.Split(a, "\n")
	right := strings.Split(b, "\n")

	counts := make(map[string]int, len(left))
	for _, line := range left {
		counts[line]++
	}

	shared := 0
	for _, line := range right {
		if counts[line] > 0 {
			counts[line]--
			shared++
		}
	}

	return float64(2*shared) / float64(len(left)+len(right))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
