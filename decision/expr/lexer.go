// Package expr implements the arithmetic expression language used by calculator definitions.
//
// Expressions are compiled once into an AST and evaluated against a context of named
// values. Only arithmetic, comparisons, logical operators and a fixed set of functions
// are available; a formula can never reach anything outside its context.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d in %q: %s", e.Pos, e.Source, e.Msg)
}

var twoCharOps = []string{"<=", ">=", "==", "!=", "&&", "||"}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (isDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(rune(src[j])) {
					i = j
					for i < len(src) && isDigit(rune(src[i])) {
						i++
					}
				}
			}
			text := src[start:i]
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Source: src, Pos: start, Msg: "invalid number " + strconv.Quote(text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n, pos: start})

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			text := src[start:i]
			if strings.HasSuffix(text, ".") {
				return nil, &SyntaxError{Source: src, Pos: start, Msg: "identifier cannot end with '.'"}
			}
			toks = append(toks, token{kind: tokIdent, text: text, pos: start})

		case c == '"' || c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if rune(src[i]) == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Source: src, Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})

		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++

		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune("+-*/<>!", c) {
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, &SyntaxError{Source: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
