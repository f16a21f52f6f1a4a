package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// DefaultInspectLimit bounds how much of an upstream body is captured for
// auth-failure inspection.
const DefaultInspectLimit = 64 * 1024

// Auth-expiry signal codes. An error envelope carrying one of these on a
// credential-bearing resource means the token was rejected upstream.
var authExpiredCodes = map[int]bool{403: true, 498: true, 499: true}

// errorEnvelope mirrors the upstream {"error":{"code":N,...}} shape.
type errorEnvelope struct {
	Error struct {
		Code int `json:"code"`
	} `json:"error"`
}

// Truncated prefixes rarely survive a full JSON parse, so a pattern scan
// backs up the decoder.
var errorCodePattern = regexp.MustCompile(`"error"\s*:\s*\{[^{}]*?"code"\s*:\s*(\d+)`)

// AuthExpired inspects a bounded response-body prefix and reports whether it
// carries an auth-expiry error envelope. contentEncoding is the response's
// Content-Encoding header; gzip and deflate prefixes are decompressed before
// inspection.
func AuthExpired(prefix []byte, contentEncoding string) bool {
	code, ok := ErrorCode(prefix, contentEncoding)
	return ok && authExpiredCodes[code]
}

// ErrorCode extracts the code of an {"error":{"code":N}} envelope from a
// possibly compressed, possibly truncated body prefix.
func ErrorCode(prefix []byte, contentEncoding string) (int, bool) {
	body := decompress(prefix, contentEncoding)

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != 0 {
		return env.Error.Code, true
	}

	if m := errorCodePattern.FindSubmatch(body); m != nil {
		if code, err := strconv.Atoi(string(m[1])); err == nil {
			return code, true
		}
	}
	return 0, false
}

// decompress inflates a gzip or deflate prefix best-effort: a truncated
// stream yields whatever bytes decoded before the error.
func decompress(prefix []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(prefix))
		if err != nil {
			return prefix
		}
		defer r.Close()
		out, _ := io.ReadAll(io.LimitReader(r, DefaultInspectLimit))
		if len(out) == 0 {
			return prefix
		}
		return out
	case "deflate":
		r := flate.NewReader(bytes.NewReader(prefix))
		defer r.Close()
		out, _ := io.ReadAll(io.LimitReader(r, DefaultInspectLimit))
		if len(out) == 0 {
			return prefix
		}
		return out
	default:
		return prefix
	}
}

// WMSContentType is the vendor MIME type rewritten for browser consumption.
const WMSContentType = "application/vnd.ogc.wms_xml"

// RewriteContentType replaces the OGC WMS vendor type with text/xml. All
// other bytes of the value pass through unchanged.
func RewriteContentType(v string) string {
	return strings.ReplaceAll(v, WMSContentType, "text/xml")
}
