// internal/codec/tag_codec.go
package codec

import (
	"bytes"
	"regexp"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const balancePrefix = "BAL:"

var numberPattern = regexp.MustCompile(`[-+]?\d+(\.\d+)?`)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Encode renders a balance as the record written to a tag.
func Encode(balance decimal.Decimal) []byte {
	return []byte(balancePrefix + balance.StringFixed(2))
}

// Decode returns the first numeric value found in the payload.
// The bool is false when no supported text decoding yields a number.
func Decode(payload []byte) (decimal.Decimal, bool) {
	if len(payload) == 0 {
		return decimal.Zero, false
	}
	for _, text := range candidateTexts(payload) {
		match := numberPattern.FindString(text)
		if match == "" {
			continue
		}
		value, err := decimal.NewFromString(match)
		if err != nil {
			continue
		}
		return value, true
	}
	return decimal.Zero, false
}

// candidateTexts lists the payload decoded in each plausible text encoding,
// most specific first.
func candidateTexts(payload []byte) []string {
	var out []string
	add := func(dec encoding.Encoding) {
		if s, err := dec.NewDecoder().Bytes(payload); err == nil {
			out = append(out, string(s))
		}
	}

	switch {
	case bytes.HasPrefix(payload, bomUTF8):
		add(unicode.UTF8BOM)
	case bytes.HasPrefix(payload, bomUTF16LE):
		add(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM))
	case bytes.HasPrefix(payload, bomUTF16BE):
		add(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM))
	}

	if bytes.IndexByte(payload, 0) >= 0 {
		if nulsAtEven(payload) {
			add(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM))
			add(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM))
		} else {
			add(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM))
			add(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM))
		}
	}

	if utf8.Valid(payload) {
		out = append(out, string(payload))
	}
	add(charmap.ISO8859_1)
	return out
}

// nulsAtEven reports whether zero bytes sit mostly at even offsets, the
// signature of big-endian UTF-16 ASCII text.
func nulsAtEven(payload []byte) bool {
	even, odd := 0, 0
	for i, b := range payload {
		if b != 0 {
			continue
		}
		if i%2 == 0 {
			even++
		} else {
			odd++
		}
	}
	return even > odd
}
