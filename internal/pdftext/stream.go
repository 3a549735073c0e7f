package pdftext

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const maxInflatedStream = 32 << 20

// StreamText is text recovered from content-stream operators.
type StreamText struct {
	Text   string
	Items  int
	Method string
}

// ReadStreams recovers text by scanning content streams for text-showing
// operators. Decoded page content from pdfcpu is used when the file parses;
// otherwise every stream body in the file is scanned directly.
func ReadStreams(data []byte) (StreamText, error) {
	if st, err := readPdfcpu(data); err == nil && st.Items > 0 {
		return st, nil
	}
	st := readRawStreams(data)
	if st.Items == 0 {
		return st, ErrNoText
	}
	return st, nil
}

func readPdfcpu(data []byte) (st StreamText, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdftext: pdfcpu panic: %v", r)
		}
	}()

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return StreamText{}, fmt.Errorf("pdftext: pdfcpu read: %w", err)
	}

	var pages []string
	st.Method = "pdfcpu"
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil || len(content) == 0 {
			continue
		}
		text, items := ScanContent(content)
		if text != "" {
			pages = append(pages, text)
			st.Items += items
		}
	}
	st.Text = strings.Join(pages, "\n\n")
	return st, nil
}

func readRawStreams(data []byte) StreamText {
	st := StreamText{Method: "raw-stream"}
	var parts []string
	rest := data
	for {
		i := bytes.Index(rest, []byte("stream"))
		if i < 0 {
			break
		}
		body := rest[i+len("stream"):]
		// "endstream" also contains "stream"; skip it.
		if i >= 3 && bytes.HasSuffix(rest[:i], []byte("end")) {
			rest = body
			continue
		}
		body = bytes.TrimLeft(body, "\r\n")
		j := bytes.Index(body, []byte("endstream"))
		if j < 0 {
			break
		}
		raw := body[:j]
		rest = body[j+len("endstream"):]

		content := raw
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			if inflated, err := io.ReadAll(io.LimitReader(zr, maxInflatedStream)); err == nil || len(inflated) > 0 {
				content = inflated
			}
			zr.Close()
		}
		if text, items := ScanContent(content); text != "" {
			parts = append(parts, text)
			st.Items += items
		}
	}
	st.Text = strings.Join(parts, "\n\n")
	return st
}

// ScanContent tokenises a content stream and returns the text shown by Tj,
// TJ, ' and " together with the number of show operations. T*, Td, TD and ET
// start a new line.
func ScanContent(content []byte) (string, int) {
	var out strings.Builder
	var operands []string
	items := 0
	inArray := false

	newline := func() {
		s := out.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}
	show := func() {
		for _, s := range operands {
			out.WriteString(s)
		}
		if len(operands) > 0 {
			items++
		}
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case isPDFSpace(c):
			i++
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '(':
			s, next := readLiteral(content, i)
			operands = append(operands, s)
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(content) && content[i+1] == '>':
			i += 2
		case c == '<':
			s, next := readHex(content, i)
			operands = append(operands, s)
			i = next
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case c == '/':
			i++
			for i < len(content) && !isPDFSpace(content[i]) && !isDelimiter(content[i]) {
				i++
			}
		default:
			start := i
			for i < len(content) && !isPDFSpace(content[i]) && !isDelimiter(content[i]) {
				i++
			}
			if i == start {
				i++
				continue
			}
			tok := string(content[start:i])
			if isNumber(tok) {
				// Large negative kerning inside a TJ array is a word gap.
				if v, err := strconv.ParseFloat(tok, 64); err == nil && inArray && v < -200 {
					operands = append(operands, " ")
				}
				continue
			}
			switch tok {
			case "Tj", "TJ":
				show()
			case "'":
				newline()
				show()
			case `"`:
				newline()
				if len(operands) > 0 {
					operands = operands[len(operands)-1:]
				}
				show()
			case "T*", "Td", "TD", "ET":
				newline()
			}
			operands = operands[:0]
		}
	}
	return strings.TrimSpace(out.String()), items
}

func readLiteral(b []byte, start int) (string, int) {
	var raw []byte
	depth := 0
	i := start
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c == '\\' && i+1 < len(b):
			i++
			switch e := b[i]; e {
			case 'n':
				raw = append(raw, '\n')
			case 'r':
				raw = append(raw, '\r')
			case 't':
				raw = append(raw, '\t')
			case 'b':
				raw = append(raw, '\b')
			case 'f':
				raw = append(raw, '\f')
			case '(', ')', '\\':
				raw = append(raw, e)
			case '\r':
				if i+1 < len(b) && b[i+1] == '\n' {
					i++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
						i++
						val = val*8 + int(b[i]-'0')
					}
					raw = append(raw, byte(val))
				} else {
					raw = append(raw, e)
				}
			}
		case c == '(':
			if depth > 0 {
				raw = append(raw, c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return decodeBytes(raw), i + 1
			}
			raw = append(raw, c)
		default:
			raw = append(raw, c)
		}
	}
	return decodeBytes(raw), i
}

func readHex(b []byte, start int) (string, int) {
	var digits []byte
	i := start + 1
	for ; i < len(b) && b[i] != '>'; i++ {
		if isHexDigit(b[i]) {
			digits = append(digits, b[i])
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, len(digits)/2)
	for k := range raw {
		raw[k] = hexVal(digits[2*k])<<4 | hexVal(digits[2*k+1])
	}
	return decodeBytes(raw), i + 1
}

// decodeBytes treats a leading UTF-16BE byte order mark as Unicode and
// everything else as single-byte text.
func decodeBytes(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for k := 2; k+1 < len(raw); k += 2 {
			u = append(u, uint16(raw[k])<<8|uint16(raw[k+1]))
		}
		return string(utf16.Decode(u))
	}
	var b strings.Builder
	for _, c := range raw {
		switch {
		case c == '\n' || c == '\t':
			b.WriteByte(c)
		case c < 0x20 || c == 0x7F:
		default:
			b.WriteRune(rune(c))
		}
	}
	return b.String()
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelimiter(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func isNumber(tok string) bool {
	digits := 0
	for k, c := range tok {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
		case (c == '-' || c == '+') && k == 0:
		default:
			return false
		}
	}
	return digits > 0
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
