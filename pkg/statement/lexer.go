package statement

import "strings"

// stripCLike blanks comments and string/char literals in C family sources.
// Newlines are preserved so line-anchored patterns keep working.
func stripCLike(source string, backticks bool) string {
	var out strings.Builder
	out.Grow(len(source))

	const (
		code = iota
		lineComment
		blockComment
		quoted
	)

	state := code
	var quote byte
	for i := 0; i < len(source); i++ {
		ch := source[i]
		switch state {
		case code:
			switch {
			case ch == '/' && i+1 < len(source) && source[i+1] == '/':
				state = lineComment
				out.WriteString("  ")
				i++
			case ch == '/' && i+1 < len(source) && source[i+1] == '*':
				state = blockComment
				out.WriteString("  ")
				i++
			case ch == '"' || ch == '\'' || (backticks && ch == '`'):
				state = quoted
				quote = ch
				out.WriteByte(ch)
			default:
				out.WriteByte(ch)
			}
		case lineComment:
			if ch == '\n' {
				state = code
				out.WriteByte('\n')
			} else {
				out.WriteByte(' ')
			}
		case blockComment:
			if ch == '*' && i+1 < len(source) && source[i+1] == '/' {
				state = code
				out.WriteString("  ")
				i++
			} else {
				out.WriteByte(blankOf(ch))
			}
		case quoted:
			switch {
			case ch == '\\' && quote != '`' && i+1 < len(source):
				out.WriteString("  ")
				i++
			case ch == quote:
				state = code
				out.WriteByte(ch)
			case ch == '\n' && quote != '`':
				// unterminated literal; resume scanning on the next line
				state = code
				out.WriteByte('\n')
			default:
				out.WriteByte(blankOf(ch))
			}
		}
	}

	return out.String()
}

// stripPython blanks comments and string literals, including triple quoted
// strings, in Python sources.
func stripPython(source string) string {
	var out strings.Builder
	out.Grow(len(source))

	inString := false
	triple := false
	var quote byte

	for i := 0; i < len(source); i++ {
		ch := source[i]
		if !inString {
			switch {
			case ch == '#':
				for i < len(source) && source[i] != '\n' {
					out.WriteByte(' ')
					i++
				}
				if i < len(source) {
					out.WriteByte('\n')
				}
			case ch == '"' || ch == '\'':
				inString = true
				quote = ch
				if strings.HasPrefix(source[i:], strings.Repeat(string(ch), 3)) {
					triple = true
					out.WriteString(strings.Repeat(string(ch), 3))
					i += 2
				} else {
					triple = false
					out.WriteByte(ch)
				}
			default:
				out.WriteByte(ch)
			}
			continue
		}

		switch {
		case ch == '\\' && i+1 < len(source):
			out.WriteString("  ")
			i++
		case triple && strings.HasPrefix(source[i:], strings.Repeat(string(quote), 3)):
			inString = false
			out.WriteString(strings.Repeat(string(quote), 3))
			i += 2
		case !triple && ch == quote:
			inString = false
			out.WriteByte(ch)
		case !triple && ch == '\n':
			inString = false
			out.WriteByte('\n')
		default:
			out.WriteByte(blankOf(ch))
		}
	}

	return out.String()
}

func blankOf(ch byte) byte {
	if ch == '\n' {
		return '\n'
	}
	return ' '
}
