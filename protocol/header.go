package protocol

import (
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/a-h/parse"
)

// header holds the values of the base protocol header fields.
// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#headerPart
type header struct {
	contentLength int64
	mediaType     string
	charset       string
}

var (
	headerNameParser  = parse.StringUntil(parse.String(":"))
	colonParser       = parse.String(":")
	semicolonParser   = parse.String(";")
	paramValueParser  = parse.StringUntil(semicolonParser)
	equalsParser      = parse.String("=")
	paramNameParser   = parse.StringUntil(equalsParser)
	errMalformedField = errors.New("malformed header field")
)

func readHeader(r *textproto.Reader) (h header, err error) {
	h.contentLength = -1
	var lines int
	for {
		var line string
		line, err = r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && lines > 0 {
				err = io.ErrUnexpectedEOF
			}
			return
		}
		if line == "" {
			if lines == 0 {
				// Tolerate stray blank lines between messages.
				continue
			}
			return
		}
		lines++
		name, value, err := parseHeaderField(line)
		if err != nil {
			return h, err
		}
		switch textproto.CanonicalMIMEHeaderKey(name) {
		case "Content-Length":
			if h.contentLength, err = strconv.ParseInt(value, 10, 64); err != nil {
				return h, ErrInvalidContentLengthHeader
			}
		case "Content-Type":
			h.mediaType, h.charset = parseContentType(value)
		}
	}
}

// parseHeaderField splits a "Name: value" header line.
func parseHeaderField(line string) (name, value string, err error) {
	in := parse.NewInput(line)
	name, ok, err := headerNameParser.Parse(in)
	if err != nil || !ok || strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
		return "", "", fmt.Errorf("%w: %q", errMalformedField, line)
	}
	if _, ok, err = colonParser.Parse(in); err != nil || !ok {
		return "", "", fmt.Errorf("%w: %q", errMalformedField, line)
	}
	value = strings.TrimSpace(line[in.Index():])
	return
}

// parseContentType returns the media type and the lower-cased charset
// parameter of a Content-Type value such as
// "application/vscode-jsonrpc; charset=utf-8".
func parseContentType(value string) (mediaType, charset string) {
	segments := splitParams(value)
	if len(segments) == 0 {
		return
	}
	mediaType = strings.ToLower(segments[0])
	for _, seg := range segments[1:] {
		in := parse.NewInput(seg)
		name, ok, err := paramNameParser.Parse(in)
		if err != nil || !ok {
			continue
		}
		if _, ok, err = equalsParser.Parse(in); err != nil || !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "charset") {
			charset = strings.ToLower(strings.Trim(strings.TrimSpace(seg[in.Index():]), `"`))
		}
	}
	return
}

func splitParams(value string) (segments []string) {
	in := parse.NewInput(value)
	for {
		start := in.Index()
		seg, ok, err := paramValueParser.Parse(in)
		if err != nil || !ok {
			segments = append(segments, strings.TrimSpace(value[start:]))
			return
		}
		segments = append(segments, strings.TrimSpace(seg))
		if _, ok, err = semicolonParser.Parse(in); err != nil || !ok {
			return
		}
	}
}
