package pdf

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokName
	tokOp
	tokArrayStart
	tokArrayEnd
	tokDict
)

type token struct {
	kind tokKind
	s    string
	num  float64
}

type lexer struct {
	b   []byte
	pos int
}

func isWhite(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.b) {
		c := l.b[l.pos]
		if isWhite(c) {
			l.pos++
			continue
		}
		if c == '%' {
			for l.pos < len(l.b) && l.b[l.pos] != '\n' && l.b[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		return
	}
}

func (l *lexer) next() token {
	l.skipSpace()
	if l.pos >= len(l.b) {
		return token{kind: tokEOF}
	}
	c := l.b[l.pos]
	switch {
	case c == '(':
		return token{kind: tokString, s: l.literal()}
	case c == '<' && l.pos+1 < len(l.b) && l.b[l.pos+1] == '<':
		l.pos += 2
		return token{kind: tokDict}
	case c == '>' && l.pos+1 < len(l.b) && l.b[l.pos+1] == '>':
		l.pos += 2
		return token{kind: tokDict}
	case c == '<':
		return token{kind: tokString, s: l.hex()}
	case c == '[':
		l.pos++
		return token{kind: tokArrayStart}
	case c == ']':
		l.pos++
		return token{kind: tokArrayEnd}
	case c == '/':
		l.pos++
		return token{kind: tokName, s: l.word()}
	case isDelim(c):
		l.pos++
		return l.next()
	}
	w := l.word()
	if n, err := strconv.ParseFloat(w, 64); err == nil {
		return token{kind: tokNumber, num: n}
	}
	return token{kind: tokOp, s: w}
}

func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.b) && !isWhite(l.b[l.pos]) && !isDelim(l.b[l.pos]) {
		l.pos++
	}
	return string(l.b[start:l.pos])
}

func (l *lexer) literal() string {
	l.pos++
	var out []byte
	depth := 1
	for l.pos < len(l.b) {
		c := l.b[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return decodeBytes(out)
			}
			out = append(out, c)
		case '\\':
			if l.pos >= len(l.b) {
				break
			}
			e := l.b[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r':
				if l.pos < len(l.b) && l.b[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.b) && l.b[l.pos] >= '0' && l.b[l.pos] <= '7'; i++ {
						v = v*8 + int(l.b[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return decodeBytes(out)
}

func (l *lexer) hex() string {
	l.pos++
	var digits []byte
	for l.pos < len(l.b) && l.b[l.pos] != '>' {
		if c := l.b[l.pos]; !isWhite(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return decodeBytes(out)
}

// decodeBytes handles UTF-16BE strings (with BOM, or with every high byte
// zero) and treats anything else as a single-byte Latin encoding.
func decodeBytes(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		return decodeUTF16(b[2:])
	}
	if len(b) >= 2 && len(b)%2 == 0 {
		wide := true
		for i := 0; i < len(b); i += 2 {
			if b[i] != 0 {
				wide = false
				break
			}
		}
		if wide {
			return decodeUTF16(b)
		}
	}
	var sb strings.Builder
	for _, c := range b {
		if c < 0x20 && c != '\n' && c != '\t' {
			continue
		}
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(u))
}

type textWriter struct {
	sb strings.Builder
}

func (w *textWriter) last() byte {
	s := w.sb.String()
	if s == "" {
		return '\n'
	}
	return s[len(s)-1]
}

func (w *textWriter) text(s string) { w.sb.WriteString(s) }

func (w *textWriter) newline() {
	if w.last() != '\n' {
		w.sb.WriteByte('\n')
	}
}

func (w *textWriter) space() {
	if c := w.last(); c != ' ' && c != '\n' {
		w.sb.WriteByte(' ')
	}
}

// tjSpaceThreshold is the TJ kerning adjustment (thousandths of an em) beyond
// which a gap is rendered as a word break.
const tjSpaceThreshold = -200

// ParseContentText pulls the shown text out of a decoded page content stream.
// Positioning operators become line or word breaks.
func ParseContentText(content []byte) string {
	l := &lexer{b: content}
	w := &textWriter{}
	var operands []token
	var array []token
	inArray := false
	lastY, haveY := 0.0, false

	for {
		t := l.next()
		if t.kind == tokEOF {
			break
		}
		switch t.kind {
		case tokArrayStart:
			inArray, array = true, nil
			continue
		case tokArrayEnd:
			inArray = false
			operands = append(operands, token{kind: tokArrayEnd})
			continue
		case tokOp:
		default:
			if inArray {
				array = append(array, t)
			} else {
				operands = append(operands, t)
			}
			continue
		}

		switch t.s {
		case "BT":
			haveY = false
		case "ET":
			w.newline()
		case "Tj":
			if s, ok := lastString(operands); ok {
				w.text(s)
			}
		case "'":
			w.newline()
			if s, ok := lastString(operands); ok {
				w.text(s)
			}
		case "\"":
			w.newline()
			if s, ok := lastString(operands); ok {
				w.text(s)
			}
		case "TJ":
			for _, el := range array {
				switch el.kind {
				case tokString:
					w.text(el.s)
				case tokNumber:
					if el.num < tjSpaceThreshold {
						w.space()
					}
				}
			}
			array = nil
		case "Td", "TD":
			if nums := lastNumbers(operands, 2); nums != nil {
				if nums[1] != 0 {
					w.newline()
				} else if nums[0] > 0 {
					w.space()
				}
			}
		case "T*":
			w.newline()
		case "Tm":
			if nums := lastNumbers(operands, 6); nums != nil {
				y := nums[5]
				if haveY && y != lastY {
					w.newline()
				} else if haveY {
					w.space()
				}
				lastY, haveY = y, true
			}
		case "ID":
			l.skipInlineImage()
		}
		operands = operands[:0]
	}
	return strings.TrimSpace(w.sb.String())
}

func lastString(ops []token) (string, bool) {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].kind == tokString {
			return ops[i].s, true
		}
	}
	return "", false
}

func lastNumbers(ops []token, n int) []float64 {
	if len(ops) < n {
		return nil
	}
	out := make([]float64, n)
	for i, t := range ops[len(ops)-n:] {
		if t.kind != tokNumber {
			return nil
		}
		out[i] = t.num
	}
	return out
}

// skipInlineImage advances past binary inline image data up to the EI
// operator.
func (l *lexer) skipInlineImage() {
	for l.pos+2 <= len(l.b) {
		if l.b[l.pos] == 'E' && l.b[l.pos+1] == 'I' &&
			(l.pos == 0 || isWhite(l.b[l.pos-1])) &&
			(l.pos+2 == len(l.b) || isWhite(l.b[l.pos+2])) {
			l.pos += 2
			return
		}
		l.pos++
	}
	l.pos = len(l.b)
}
