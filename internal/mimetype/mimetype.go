// Package mimetype resolves the container type of an incoming report file.
package mimetype

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	XML         = "text/xml"
	Gzip        = "application/gzip"
	Zip         = "application/zip"
	OctetStream = "application/octet-stream"

	// SniffLen is the number of leading bytes a Sniffer looks at.
	SniffLen = 512
)

var byExtension = map[string]string{
	".xml": XML,
	".gz":  Gzip,
	".zip": Zip,
}

// Sniffer inspects the first bytes of a file and returns a media type, or ""
// when it cannot tell. A nil Sniffer means no sniffing facility is available.
type Sniffer func(head []byte) string

// ContentSniffer is the default Sniffer, backed by http.DetectContentType.
func ContentSniffer(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	return Normalize(http.DetectContentType(head))
}

// Normalize strips parameters and maps aliases onto the names used by this
// package. Generic answers come back as "".
func Normalize(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "", OctetStream, "text/plain":
		return ""
	case "application/x-gzip", "application/gzip-compressed", "application/x-gzip-compressed":
		return Gzip
	case "application/x-zip-compressed", "application/x-zip":
		return Zip
	case "application/xml":
		return XML
	}
	return mediaType
}

// ByExtension maps a filename extension onto a container type, or "".
func ByExtension(filename string) string {
	return byExtension[strings.ToLower(filepath.Ext(filename))]
}

// Detect picks the sniffed type when it is specific, then the extension, and
// finally falls back to application/octet-stream.
func Detect(head []byte, filename string, sniff Sniffer) string {
	if sniff != nil {
		if t := sniff(head); t != "" {
			return t
		}
	}
	if t := ByExtension(filename); t != "" {
		return t
	}
	return OctetStream
}

// IsGeneric reports whether contentType carries no useful information.
func IsGeneric(contentType string) bool {
	return Normalize(contentType) == ""
}
