// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mysql

import (
	"github.com/fagongzi/util/hack"
)

// Canonicalise reduces a statement to its canonical form: string and
// numeric literals become '?', comments are stripped, whitespace
// collapses to single spaces and trailing whitespace is trimmed.
// Back-quoted identifiers are kept verbatim, as are executable comments
// ('/*!', '/*M') and optimizer hints ('/*+'). The reduction is
// deterministic and idempotent.
func Canonicalise(sql string) string {
	s := hack.StringToSlice(sql)
	out := make([]byte, 0, len(s))
	i := 0
	pendingSpace := false

	emitSpace := func() {
		if len(out) > 0 {
			pendingSpace = true
		}
	}
	emit := func(c byte) {
		if pendingSpace {
			out = append(out, ' ')
			pendingSpace = false
		}
		out = append(out, c)
	}

	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			emitSpace()
			i++

		case c == '\'' || c == '"':
			i = skipQuoted(s, i, c)
			emit('?')

		case c == '`':
			// Identifier: verbatim, including the quotes. A doubled
			// back-tick inside is a literal back-tick.
			emit('`')
			i++
			for i < len(s) {
				if s[i] == '`' {
					if i+1 < len(s) && s[i+1] == '`' {
						emit('`')
						emit('`')
						i += 2
						continue
					}
					emit('`')
					i++
					break
				}
				emit(s[i])
				i++
			}

		case c == '#':
			i = skipToEOL(s, i)
			emitSpace()

		case c == '-' && i+1 < len(s) && s[i+1] == '-' &&
			(i+2 >= len(s) || s[i+2] == ' ' || s[i+2] == '\t'):
			i = skipToEOL(s, i)
			emitSpace()

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			if i+2 < len(s) && (s[i+2] == '!' || s[i+2] == 'M' || s[i+2] == '+') {
				// Executable comment or optimizer hint: code, not a
				// comment. Copied verbatim up to the terminator.
				for i < len(s) {
					if s[i] == '*' && i+1 < len(s) && s[i+1] == '/' {
						emit('*')
						emit('/')
						i += 2
						break
					}
					emit(s[i])
					i++
				}
			} else {
				i += 2
				for i < len(s) {
					if s[i] == '*' && i+1 < len(s) && s[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				emitSpace()
			}

		case isDigit(c) || (c == '.' && i+1 < len(s) && isDigit(s[i+1])):
			if len(out) > 0 && isIdentChar(out[len(out)-1]) && !pendingSpace {
				// Part of an identifier such as t1; not a literal.
				emit(c)
				i++
				continue
			}
			i = skipNumber(s, i)
			stripSign(&out, pendingSpace)
			emit('?')

		default:
			emit(c)
			i++
		}
	}
	return hack.SliceToString(out)
}

// skipQuoted consumes a single- or double-quoted literal starting at
// the opening quote and returns the position after the closing quote.
// A backslash escapes the next byte; a doubled quote is a literal.
func skipQuoted(s []byte, i int, quote byte) int {
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
		case quote:
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipToEOL(s []byte, i int) int {
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

// skipNumber consumes an integer, decimal, scientific or 0x/0b literal
// starting at i.
func skipNumber(s []byte, i int) int {
	if s[i] == '0' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') {
		i += 2
		for i < len(s) && isHexDigit(s[i]) {
			i++
		}
		return i
	}
	if s[i] == '0' && i+1 < len(s) && (s[i+1] == 'b' || s[i+1] == 'B') {
		i += 2
		for i < len(s) && (s[i] == '0' || s[i] == '1') {
			i++
		}
		return i
	}
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return i
}

// stripSign removes a unary sign directly before the literal being
// replaced, so ", -3.14" canonicalises to ", ?" while "a-3" keeps its
// binary operator. A sign is unary when the byte before it is an
// operator, an opening parenthesis, a comma or the start of the
// statement.
func stripSign(out *[]byte, pendingSpace bool) {
	o := *out
	if pendingSpace || len(o) == 0 {
		return
	}
	last := o[len(o)-1]
	if last != '-' && last != '+' {
		return
	}
	j := len(o) - 2
	for j >= 0 && o[j] == ' ' {
		j--
	}
	if j < 0 {
		*out = o[:len(o)-1]
		return
	}
	switch o[j] {
	case '(', ',', '=', '<', '>', '+', '-', '*', '/', '%', '&', '|', '^', '~':
		*out = o[:len(o)-1]
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c == '`' || isDigit(c) ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
