// Copyright 2024 The fhirql authors.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package lex turns a path-query expression string into a stream of located
// tokens. The tokens are fed into the parser.
package lex

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/araddon/dateparse"
)

// Kind identifies the class of a token. The set is closed: the parser
// switches exhaustively over it.
type Kind int

const (
	// Illegal is the error sentinel kind carried by a malformed token.
	Illegal Kind = iota
	// EOF marks the end of input.
	EOF
	Ident
	Keyword
	String
	Integer
	Decimal
	Boolean
	Date
	DateTime
	Time
	Quantity
	// External is a reference to another named expression, e.g. "%base".
	External

	Dot
	Comma
	LParen
	RParen
	LBracket
	RBracket
	LBrace
	RBrace
	Plus
	Minus
	Star
	Slash
	Ampersand
	Lt
	Gt
	Le
	Ge
	Eq
	Ne
)

var kindNames = map[Kind]string{
	Illegal:   "illegal",
	EOF:       "end of input",
	Ident:     "identifier",
	Keyword:   "keyword",
	String:    "string literal",
	Integer:   "integer literal",
	Decimal:   "decimal literal",
	Boolean:   "boolean literal",
	Date:      "date literal",
	DateTime:  "datetime literal",
	Time:      "time literal",
	Quantity:  "quantity literal",
	External:  "external reference",
	Dot:       `"."`,
	Comma:     `","`,
	LParen:    `"("`,
	RParen:    `")"`,
	LBracket:  `"["`,
	RBracket:  `"]"`,
	LBrace:    `"{"`,
	RBrace:    `"}"`,
	Plus:      `"+"`,
	Minus:     `"-"`,
	Star:      `"*"`,
	Slash:     `"/"`,
	Ampersand: `"&"`,
	Lt:        `"<"`,
	Gt:        `">"`,
	Le:        `"<="`,
	Ge:        `">="`,
	Eq:        `"="`,
	Ne:        `"!="`,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Location is a position within the source string. Line and Column are
// 1-based, Offset is the byte offset of the first character of the token.
type Location struct {
	Line   int
	Column int
	Offset int
}

func (l Location) String() string {
	return fmt.Sprintf("line %d, column %d", l.Line, l.Column)
}

// Token is an immutable value produced by the lexer. Raw is the exact source
// text of the token. Value carries the parsed literal value where the kind
// has one: string, int64, float64, bool, time.Time or Qty.
type Token struct {
	Kind  Kind
	Raw   string
	Value any
	Loc   Location
}

// Qty is the parsed value of a quantity literal such as "5 'mg'" or
// "2 weeks".
type Qty struct {
	Value float64
	Unit  string
}

// Error is a lexing failure. It carries the location of the offending
// character; the lexer does not recover, the whole tokenization fails.
type Error struct {
	Msg string
	Loc Location
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Loc, e.Msg)
}

var keywords = map[string]bool{
	"and":      true,
	"or":       true,
	"xor":      true,
	"implies":  true,
	"in":       true,
	"contains": true,
	"div":      true,
	"mod":      true,
	"not":      true,
	"as":       true,
}

// calendarUnits are the bare time-valued units accepted after a number in a
// quantity literal, e.g. "2 weeks".
var calendarUnits = map[string]bool{
	"year": true, "years": true,
	"month": true, "months": true,
	"week": true, "weeks": true,
	"day": true, "days": true,
	"hour": true, "hours": true,
	"minute": true, "minutes": true,
	"second": true, "seconds": true,
	"millisecond": true, "milliseconds": true,
}

// Tokenize converts source into its tokens in a single left-to-right pass.
// The returned slice always ends with the EOF token, which carries the
// location just past the last character. On the first malformed token it
// returns a *Error and no tokens.
func Tokenize(source string) ([]Token, error) {
	l := newLexer(source)
	var ret []Token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
		if t.Kind == EOF {
			return ret, nil
		}
	}
}

type lexer struct {
	input string
	pos   int
	// nextPos is the start of the next char.
	nextPos int
	// char is the rune starting at pos. char is set to 0 when pos reaches
	// the end of input.
	char rune
	// lineNum is the number of the current line of the input.
	lineNum int
	// lineStart is the position of the first char of the current line.
	lineStart int
}

func newLexer(input string) *lexer {
	l := &lexer{input: input, lineNum: 1}
	l.advanceChar()
	return l
}

// colNum calculates the current column number taking into account line
// breaks.
func (l *lexer) colNum() int {
	return l.pos - l.lineStart + 1
}

func (l *lexer) loc() Location {
	return Location{Line: l.lineNum, Column: l.colNum(), Offset: l.pos}
}

// advanceChar moves the lexer to the next character in the input. It also
// takes care of updating the line and column numbers if it encounters line
// breaks.
func (l *lexer) advanceChar() bool {
	if l.nextPos >= len(l.input) {
		l.char = 0
		l.pos = l.nextPos
		return false
	}
	if l.char == '\n' {
		l.lineStart = l.nextPos
		l.lineNum++
	}
	var size int
	l.char, size = utf8.DecodeRuneInString(l.input[l.nextPos:])
	l.pos = l.nextPos
	l.nextPos = l.pos + size
	return true
}

// peekChar returns the rune after the current one without advancing.
func (l *lexer) peekChar() rune {
	if l.nextPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.nextPos:])
	return r
}

func (l *lexer) skipBlanks() {
	for l.pos < len(l.input) {
		switch l.char {
		case ' ', '\t', '\r', '\n':
			l.advanceChar()
		default:
			return
		}
	}
}

func (l *lexer) errorf(loc Location, format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...), Loc: loc}
}

// next scans and returns the next token. Single-character operators are only
// tried after their multi-character extensions.
func (l *lexer) next() (Token, error) {
	l.skipBlanks()
	loc := l.loc()
	if l.pos >= len(l.input) {
		return Token{Kind: EOF, Loc: loc}, nil
	}

	switch c := l.char; {
	case c == '@':
		return l.scanDateTime(loc)
	case c == '\'':
		return l.scanString(loc)
	case unicode.IsDigit(c):
		return l.scanNumber(loc)
	case c == '%':
		return l.scanExternal(loc)
	case unicode.IsLetter(c) || c == '_':
		return l.scanWord(loc), nil
	}
	return l.scanOperator(loc)
}

func (l *lexer) scanOperator(loc Location) (Token, error) {
	single := map[rune]Kind{
		'.': Dot, ',': Comma, '(': LParen, ')': RParen,
		'[': LBracket, ']': RBracket, '{': LBrace, '}': RBrace,
		'+': Plus, '-': Minus, '*': Star, '/': Slash, '&': Ampersand,
		'=': Eq,
	}
	c := l.char
	l.advanceChar()
	switch c {
	case '<':
		if l.char == '=' {
			l.advanceChar()
			return Token{Kind: Le, Raw: "<=", Loc: loc}, nil
		}
		return Token{Kind: Lt, Raw: "<", Loc: loc}, nil
	case '>':
		if l.char == '=' {
			l.advanceChar()
			return Token{Kind: Ge, Raw: ">=", Loc: loc}, nil
		}
		return Token{Kind: Gt, Raw: ">", Loc: loc}, nil
	case '!':
		if l.char == '=' {
			l.advanceChar()
			return Token{Kind: Ne, Raw: "!=", Loc: loc}, nil
		}
		return Token{Kind: Illegal, Raw: "!", Loc: loc}, l.errorf(loc, "unrecognized character %q", '!')
	}
	if k, ok := single[c]; ok {
		return Token{Kind: k, Raw: string(c), Loc: loc}, nil
	}
	return Token{Kind: Illegal, Raw: string(c), Loc: loc}, l.errorf(loc, "unrecognized character %q", c)
}

func (l *lexer) scanWord(loc Location) Token {
	start := l.pos
	for l.pos < len(l.input) && isNameChar(l.char) {
		l.advanceChar()
	}
	word := l.input[start:l.pos]
	switch {
	case word == "true" || word == "false":
		return Token{Kind: Boolean, Raw: word, Value: word == "true", Loc: loc}
	case keywords[word]:
		return Token{Kind: Keyword, Raw: word, Loc: loc}
	}
	return Token{Kind: Ident, Raw: word, Value: word, Loc: loc}
}

func (l *lexer) scanExternal(loc Location) (Token, error) {
	l.advanceChar()
	start := l.pos
	if l.pos >= len(l.input) || !isInitialNameChar(l.char) {
		return Token{Kind: Illegal, Raw: "%", Loc: loc},
			l.errorf(loc, "expected expression name after %q", '%')
	}
	for l.pos < len(l.input) && isNameChar(l.char) {
		l.advanceChar()
	}
	name := l.input[start:l.pos]
	return Token{Kind: External, Raw: "%" + name, Value: name, Loc: loc}, nil
}

// scanString scans a single-quoted string literal. The supported escapes are
// \' \" \\ \/ \f \n \r \t and \uXXXX.
func (l *lexer) scanString(loc Location) (Token, error) {
	start := l.pos
	l.advanceChar() // opening quote
	var value strings.Builder
	for {
		if l.pos >= len(l.input) {
			return Token{Kind: Illegal, Raw: l.input[start:l.pos], Loc: loc},
				l.errorf(loc, "unterminated string literal")
		}
		switch l.char {
		case '\'':
			l.advanceChar()
			return Token{Kind: String, Raw: l.input[start:l.pos], Value: value.String(), Loc: loc}, nil
		case '\\':
			escLoc := l.loc()
			l.advanceChar()
			if l.pos >= len(l.input) {
				return Token{Kind: Illegal, Raw: l.input[start:l.pos], Loc: loc},
					l.errorf(loc, "unterminated string literal")
			}
			switch l.char {
			case '\'':
				value.WriteByte('\'')
			case '"':
				value.WriteByte('"')
			case '\\':
				value.WriteByte('\\')
			case '/':
				value.WriteByte('/')
			case 'f':
				value.WriteByte('\f')
			case 'n':
				value.WriteByte('\n')
			case 'r':
				value.WriteByte('\r')
			case 't':
				value.WriteByte('\t')
			case 'u':
				if l.pos+5 > len(l.input) {
					return Token{Kind: Illegal, Loc: escLoc},
						l.errorf(escLoc, "invalid unicode escape sequence")
				}
				hex := l.input[l.pos+1 : l.pos+5]
				n, err := strconv.ParseUint(hex, 16, 32)
				if err != nil {
					return Token{Kind: Illegal, Loc: escLoc},
						l.errorf(escLoc, "invalid unicode escape sequence %q", "\\u"+hex)
				}
				value.WriteRune(rune(n))
				for i := 0; i < 4; i++ {
					l.advanceChar()
				}
			default:
				return Token{Kind: Illegal, Loc: escLoc},
					l.errorf(escLoc, "invalid escape sequence %q", "\\"+string(l.char))
			}
			l.advanceChar()
		default:
			value.WriteRune(l.char)
			l.advanceChar()
		}
	}
}

// scanNumber scans an integer or decimal literal. A number followed by a
// quoted unit or a bare calendar unit is a quantity literal; the unit is
// peeked for with a checkpoint so a plain number is never consumed further.
func (l *lexer) scanNumber(loc Location) (Token, error) {
	start := l.pos
	for l.pos < len(l.input) && unicode.IsDigit(l.char) {
		l.advanceChar()
	}
	isDecimal := false
	if l.char == '.' && unicode.IsDigit(l.peekChar()) {
		isDecimal = true
		l.advanceChar()
		for l.pos < len(l.input) && unicode.IsDigit(l.char) {
			l.advanceChar()
		}
	}
	raw := l.input[start:l.pos]

	// Quantity lookahead: "5 'mg'" or "2 weeks".
	cp := l.save()
	l.skipBlanks()
	if l.char == '\'' {
		unitTok, err := l.scanString(l.loc())
		if err != nil {
			return Token{Kind: Illegal, Loc: loc}, err
		}
		v, _ := strconv.ParseFloat(raw, 64)
		full := l.input[start:l.pos]
		return Token{Kind: Quantity, Raw: full, Value: Qty{Value: v, Unit: unitTok.Value.(string)}, Loc: loc}, nil
	}
	if isInitialNameChar(l.char) {
		wordStart := l.pos
		for l.pos < len(l.input) && isNameChar(l.char) {
			l.advanceChar()
		}
		word := l.input[wordStart:l.pos]
		if calendarUnits[word] {
			v, _ := strconv.ParseFloat(raw, 64)
			return Token{Kind: Quantity, Raw: l.input[start:l.pos], Value: Qty{Value: v, Unit: strings.TrimSuffix(word, "s")}, Loc: loc}, nil
		}
	}
	cp.restore()

	if isDecimal {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Token{Kind: Illegal, Raw: raw, Loc: loc}, l.errorf(loc, "malformed decimal literal %q", raw)
		}
		return Token{Kind: Decimal, Raw: raw, Value: v, Loc: loc}, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Token{Kind: Illegal, Raw: raw, Loc: loc}, l.errorf(loc, "malformed integer literal %q", raw)
	}
	return Token{Kind: Integer, Raw: raw, Value: v, Loc: loc}, nil
}

// scanDateTime scans "@..." date, datetime and time literals, e.g.
// @2024-01-01, @2024-01-01T12:30:00Z, @T14:30. The shape is scanned here;
// the instant itself is parsed by dateparse.
func (l *lexer) scanDateTime(loc Location) (Token, error) {
	start := l.pos
	l.advanceChar() // skip @

	if l.char == 'T' {
		l.advanceChar()
		timeStart := l.pos
		for l.pos < len(l.input) && (unicode.IsDigit(l.char) || l.char == ':' || l.char == '.') {
			l.advanceChar()
		}
		raw := l.input[timeStart:l.pos]
		t, err := parseTimeOfDay(raw)
		if err != nil {
			return Token{Kind: Illegal, Raw: l.input[start:l.pos], Loc: loc},
				l.errorf(loc, "malformed time literal %q", l.input[start:l.pos])
		}
		return Token{Kind: Time, Raw: l.input[start:l.pos], Value: t, Loc: loc}, nil
	}

	dateStart := l.pos
	hasTime := false
	for l.pos < len(l.input) && (unicode.IsDigit(l.char) || l.char == '-') {
		l.advanceChar()
	}
	if l.char == 'T' {
		hasTime = true
		l.advanceChar()
		for l.pos < len(l.input) && (unicode.IsDigit(l.char) || l.char == ':' || l.char == '.') {
			l.advanceChar()
		}
		// Zone designator: Z or a +hh:mm / -hh:mm offset.
		switch l.char {
		case 'Z':
			l.advanceChar()
		case '+', '-':
			if unicode.IsDigit(l.peekChar()) {
				l.advanceChar()
				for l.pos < len(l.input) && (unicode.IsDigit(l.char) || l.char == ':') {
					l.advanceChar()
				}
			}
		}
	}
	raw := l.input[dateStart:l.pos]
	full := l.input[start:l.pos]
	value, err := parseInstant(raw)
	if err != nil {
		return Token{Kind: Illegal, Raw: full, Loc: loc},
			l.errorf(loc, "malformed date literal %q", full)
	}
	kind := Date
	if hasTime {
		kind = DateTime
	}
	return Token{Kind: kind, Raw: full, Value: value, Loc: loc}, nil
}

// parseInstant turns the scanned date/datetime text into a time.Time. A bare
// year is handled directly, everything else goes through dateparse which
// covers the partial-precision forms.
func parseInstant(raw string) (time.Time, error) {
	if len(raw) == 4 && !strings.ContainsAny(raw, "-T") {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return dateparse.ParseIn(raw, time.UTC)
}

func parseTimeOfDay(raw string) (time.Time, error) {
	for _, layout := range []string{"15:04:05.999", "15:04:05", "15:04", "15"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", raw)
}

// A checkpoint for saving lexer state to restore after a failed lookahead.
type checkpoint struct {
	lexer     *lexer
	pos       int
	nextPos   int
	char      rune
	lineNum   int
	lineStart int
}

func (l *lexer) save() *checkpoint {
	return &checkpoint{
		lexer:     l,
		pos:       l.pos,
		nextPos:   l.nextPos,
		char:      l.char,
		lineNum:   l.lineNum,
		lineStart: l.lineStart,
	}
}

func (cp *checkpoint) restore() {
	cp.lexer.pos = cp.pos
	cp.lexer.nextPos = cp.nextPos
	cp.lexer.char = cp.char
	cp.lexer.lineNum = cp.lineNum
	cp.lexer.lineStart = cp.lineStart
}

func isNameChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

func isInitialNameChar(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}
