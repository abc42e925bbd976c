// Package statement performs a lexical check for the presence of a control
// flow construct in learner source code. It is intentionally conservative: a
// construct hidden behind unusual formatting is reported missing rather than
// risking credit for code that does not use it.
package statement

import (
	"regexp"
	"strings"
)

// Statement names a construct that an exercise can require.
type Statement string

// Supported statements.
const (
	If      Statement = "if"
	IfElse  Statement = "if-else"
	Switch  Statement = "switch"
	For     Statement = "for"
	While   Statement = "while"
	DoWhile Statement = "do-while"
	Array   Statement = "array"
	Pointer Statement = "pointer"
)

// All lists every statement in display order.
var All = []Statement{If, IfElse, Switch, For, While, DoWhile, Array, Pointer}

var allowed = map[string][]Statement{
	"c":          {If, IfElse, Switch, For, While, DoWhile, Array, Pointer},
	"cpp":        {If, IfElse, Switch, For, While, DoWhile, Array, Pointer},
	"java":       {If, IfElse, Switch, For, While, DoWhile, Array},
	"javascript": {If, IfElse, Switch, For, While, DoWhile, Array},
	"python":     {If, IfElse, Switch, For, While, Array},
	"go":         {If, IfElse, Switch, For, Array, Pointer},
}

// Valid reports whether s is part of the vocabulary.
func Valid(s Statement) bool {
	for _, candidate := range All {
		if candidate == s {
			return true
		}
	}
	return false
}

// Allowed reports whether the statement can be enforced for the language.
func Allowed(language string, s Statement) bool {
	for _, candidate := range allowed[strings.ToLower(language)] {
		if candidate == s {
			return true
		}
	}
	return false
}

// AllowedFor returns the statements enforceable for a language.
func AllowedFor(language string) []Statement {
	list := allowed[strings.ToLower(language)]
	out := make([]Statement, len(list))
	copy(out, list)
	return out
}

var (
	reEntryPoint = regexp.MustCompile(`\bmain\s*\([^)]*\)`)

	reCIf     = regexp.MustCompile(`\bif\s*\(`)
	reCElse   = regexp.MustCompile(`\belse\b`)
	reCSwitch = regexp.MustCompile(`\bswitch\s*\(`)
	reCFor    = regexp.MustCompile(`\bfor\s*\(`)
	reCWhile  = regexp.MustCompile(`\bwhile\s*\(`)
	reCDo     = regexp.MustCompile(`\bdo\s*\{`)
	reCIndex  = regexp.MustCompile(`[A-Za-z_]\w*\s*\[`)
	reCPtr    = regexp.MustCompile(`\b(?:int|char|float|double|long|short|void|unsigned|signed|bool|struct\s+[A-Za-z_]\w*|[A-Za-z_]\w*_t)\s*\*+\s*[A-Za-z_]\w*`)
	reCArrow  = regexp.MustCompile(`[A-Za-z_)\]]\s*->\s*[A-Za-z_]`)

	reJSIndex   = regexp.MustCompile(`[A-Za-z_$][\w$]*\s*\[`)
	reJSLiteral = regexp.MustCompile(`[=(,:]\s*\[`)
	reJSArray   = regexp.MustCompile(`\bnew\s+Array\b|\bArray\.(?:from|of)\s*\(`)
	reJavaArray = regexp.MustCompile(`\b[A-Za-z_]\w*\s*\[\s*\]|\bnew\s+[A-Za-z_]\w*\s*\[`)

	reGoIf      = regexp.MustCompile(`\bif\b`)
	reGoSwitch  = regexp.MustCompile(`\bswitch\b`)
	reGoFor     = regexp.MustCompile(`\bfor\b`)
	reGoSlice   = regexp.MustCompile(`\[\d*\]\s*[*A-Za-z_]`)
	reGoIndex   = regexp.MustCompile(`(?:\b(func|type)\s+)?\b([A-Za-z_]\w*)\s*\[`)
	reGoPtrDecl = regexp.MustCompile(`\b[A-Za-z_]\w*\s+\*[A-Za-z_][\w.]*`)
	reGoAddr    = regexp.MustCompile(`(?:=|\(|,)\s*&[A-Za-z_]`)

	rePyIf     = regexp.MustCompile(`\bif\b`)
	rePyElse   = regexp.MustCompile(`\b(?:else|elif)\b`)
	rePyMatch  = regexp.MustCompile(`(?m)^\s*match\s+[^\n]+:\s*$`)
	rePyCase   = regexp.MustCompile(`(?m)^\s*case\s+[^\n]+:`)
	rePyFor    = regexp.MustCompile(`\bfor\b[^\n]*\bin\b`)
	rePyWhile  = regexp.MustCompile(`\bwhile\b[^\n]*:`)
	rePyIndex  = regexp.MustCompile(`[A-Za-z_]\w*\s*\[`)
	rePyList   = regexp.MustCompile(`[=(,:]\s*\[|\blist\s*\(`)
)

// Contains reports whether source uses the statement. Unknown languages and
// statements not allowed for the language always report false.
func Contains(source, language string, s Statement) bool {
	language = strings.ToLower(strings.TrimSpace(language))
	if !Allowed(language, s) {
		return false
	}

	switch language {
	case "python":
		return containsPython(stripPython(source), s)
	case "go":
		return containsGo(stripCLike(source, true), s)
	default:
		code := stripCLike(source, language == "javascript")
		code = reEntryPoint.ReplaceAllString(code, "main()")
		return containsCLike(code, language, s)
	}
}

func containsCLike(code, language string, s Statement) bool {
	switch s {
	case If:
		return reCIf.MatchString(code)
	case IfElse:
		return reCIf.MatchString(code) && reCElse.MatchString(code)
	case Switch:
		return reCSwitch.MatchString(code)
	case For:
		return reCFor.MatchString(code)
	case While:
		loops, _ := classifyWhile(code)
		return loops > 0
	case DoWhile:
		_, trailing := classifyWhile(code)
		return trailing > 0 && reCDo.MatchString(code)
	case Array:
		switch language {
		case "javascript":
			return reJSIndex.MatchString(code) || reJSLiteral.MatchString(code) || reJSArray.MatchString(code)
		case "java":
			return reJavaArray.MatchString(code) || reCIndex.MatchString(code)
		default:
			return reCIndex.MatchString(code)
		}
	case Pointer:
		return reCPtr.MatchString(code) || reCArrow.MatchString(code)
	}
	return false
}

func containsGo(code string, s Statement) bool {
	switch s {
	case If:
		return reGoIf.MatchString(code)
	case IfElse:
		return reGoIf.MatchString(code) && reCElse.MatchString(code)
	case Switch:
		return reGoSwitch.MatchString(code)
	case For:
		return reGoFor.MatchString(code)
	case Array:
		return reGoSlice.MatchString(code) || goIndexes(code)
	case Pointer:
		return reGoPtrDecl.MatchString(code) || reGoAddr.MatchString(code)
	}
	return false
}

// goIndexes reports an index expression, ignoring map types and the type
// parameter lists of generic declarations.
func goIndexes(code string) bool {
	for _, m := range reGoIndex.FindAllStringSubmatch(code, -1) {
		if m[1] != "" || m[2] == "map" {
			continue
		}
		return true
	}
	return false
}

func containsPython(code string, s Statement) bool {
	switch s {
	case If:
		return rePyIf.MatchString(code)
	case IfElse:
		return rePyIf.MatchString(code) && rePyElse.MatchString(code)
	case Switch:
		return rePyMatch.MatchString(code) && rePyCase.MatchString(code)
	case For:
		return rePyFor.MatchString(code)
	case While:
		return rePyWhile.MatchString(code)
	case Array:
		return rePyIndex.MatchString(code) || rePyList.MatchString(code)
	}
	return false
}

// classifyWhile counts `while (...)` headers followed by a loop body and
// those terminated by a semicolon (the tail of a do-while).
func classifyWhile(code string) (loops, trailing int) {
	for _, loc := range reCWhile.FindAllStringIndex(code, -1) {
		open := loc[1] - 1
		end := matchParen(code, open)
		if end < 0 {
			continue
		}
		rest := strings.TrimLeft(code[end+1:], " \t\r\n")
		if strings.HasPrefix(rest, ";") {
			trailing++
			continue
		}
		if rest != "" {
			loops++
		}
	}
	return loops, trailing
}

func matchParen(code string, open int) int {
	depth := 0
	for i := open; i < len(code); i++ {
		switch code[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
