package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/htmlindex"
)

// encodedWord matches a single RFC 2047 encoded word: =?charset?encoding?text?=
var encodedWord = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

var unfolder = strings.NewReplacer("\r\n", "", "\n", "", "\r", "")

// DecodeHeader decodes every encoded word in a header value and returns plain text.
// Whitespace between two adjacent decoded words is dropped, everything else is kept as is.
// Words with an unknown charset are decoded as lossy UTF-8 and malformed words are left raw,
// so the result is always usable. Decoding already-decoded text returns it unchanged.
func DecodeHeader(raw string) string {
	raw = unfolder.Replace(raw)

	matches := encodedWord.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return toValidUTF8(raw)
	}

	var b strings.Builder
	last := 0
	prevDecoded := false
	for _, m := range matches {
		decoded, ok := decodeWord(raw[m[2]:m[3]], raw[m[4]:m[5]], raw[m[6]:m[7]])

		between := raw[last:m[0]]
		if !prevDecoded || !ok || strings.TrimSpace(between) != "" {
			b.WriteString(between)
		}
		if ok {
			b.WriteString(decoded)
		} else {
			b.WriteString(raw[m[0]:m[1]])
		}
		prevDecoded = ok
		last = m[1]
	}
	b.WriteString(raw[last:])

	return toValidUTF8(b.String())
}

// DecodeMessageID decodes a Message-ID style header and returns its first <id> token.
func DecodeMessageID(raw string) string {
	ids := DecodeMessageIDList(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// DecodeMessageIDList decodes a References style header into its identifiers, in header order.
func DecodeMessageIDList(raw string) []string {
	decoded := strings.TrimSpace(DecodeHeader(raw))
	if decoded == "" {
		return nil
	}

	var ids []string
	rest := decoded
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		ids = append(ids, rest[start:start+end+1])
		rest = rest[start+end+1:]
	}

	if len(ids) == 0 {
		// Some clients omit the angle brackets entirely.
		return strings.Fields(decoded)[:1]
	}
	return ids
}

// DecodeAddress decodes an address list header into "Name <addr>" form, comma separated.
// Unparseable values fall back to the decoded header text.
func DecodeAddress(raw string) string {
	raw = strings.TrimSpace(unfolder.Replace(raw))
	if raw == "" {
		return ""
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(DecodeHeader(raw))
	}

	formatted := make([]string, 0, len(addresses))
	for _, address := range addresses {
		name := strings.TrimSpace(DecodeHeader(address.Name))
		if name != "" {
			formatted = append(formatted, fmt.Sprintf("%s <%s>", name, address.Address))
		} else {
			formatted = append(formatted, address.Address)
		}
	}
	return strings.Join(formatted, ", ")
}

// AddressOnly returns the bare address of the first entry in an address header.
func AddressOnly(raw string) string {
	addresses, err := mail.ParseAddressList(strings.TrimSpace(raw))
	if err != nil || len(addresses) == 0 {
		return strings.TrimSpace(raw)
	}
	return addresses[0].Address
}

// wordDecoder leaves the RFC 2047 mechanics to the standard library and
// routes every charset it does not know natively through toUTF8.
var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(name string, input io.Reader) (io.Reader, error) {
	payload, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return strings.NewReader(toUTF8(name, payload)), nil
}

func decodeWord(charsetName, encoding, text string) (string, bool) {
	// RFC 2231 allows a language suffix: utf-8*pt-BR
	if i := strings.IndexByte(charsetName, '*'); i >= 0 {
		charsetName = charsetName[:i]
	}

	decoded, err := wordDecoder.Decode("=?" + charsetName + "?" + encoding + "?" + text + "?=")
	if err != nil && strings.EqualFold(encoding, "b") && len(text)%4 != 0 {
		// Some senders drop the base64 padding.
		padded := text + strings.Repeat("=", 4-len(text)%4)
		decoded, err = wordDecoder.Decode("=?" + charsetName + "?" + encoding + "?" + padded + "?=")
	}
	if err != nil {
		return "", false
	}
	return decoded, true
}

// toUTF8 converts payload from the named charset, falling back to lossy UTF-8.
func toUTF8(charsetName string, payload []byte) string {
	name := strings.ToLower(strings.TrimSpace(charsetName))

	switch name {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return toValidUTF8(string(payload))
	}

	if r, err := charset.Reader(name, bytes.NewReader(payload)); err == nil {
		if decoded, err := io.ReadAll(r); err == nil {
			return toValidUTF8(string(decoded))
		}
	}

	if enc, err := htmlindex.Get(name); err == nil {
		if decoded, err := enc.NewDecoder().Bytes(payload); err == nil {
			return toValidUTF8(string(decoded))
		}
	}

	return toValidUTF8(string(payload))
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
