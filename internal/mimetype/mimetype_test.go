package mimetype

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectWithoutSniffer(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{filename: "report.gz", want: Gzip},
		{filename: "report.xml", want: XML},
		{filename: "REPORT.ZIP", want: Zip},
		{filename: "report.xml.gz", want: Gzip},
		{filename: "report.bin", want: OctetStream},
		{filename: "report", want: OctetStream},
	}

	for _, tc := range cases {
		t.Run(tc.filename, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect([]byte("anything"), tc.filename, nil))
		})
	}
}

func TestDetectPrefersSpecificSniff(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("<feedback/>"))
	_ = zw.Close()

	assert.Equal(t, Gzip, Detect(buf.Bytes(), "report.xml", ContentSniffer))
	assert.Equal(t, XML, Detect([]byte(`<?xml version="1.0"?><feedback/>`), "report.gz", ContentSniffer))
	assert.Equal(t, Zip, Detect([]byte("PK\x03\x04rest"), "report", ContentSniffer))
}

func TestDetectFallsBackOnGenericSniff(t *testing.T) {
	assert.Equal(t, XML, Detect([]byte("<feedback></feedback>"), "report.xml", ContentSniffer))
	assert.Equal(t, OctetStream, Detect([]byte("plain words"), "report.txt", ContentSniffer))
	assert.Equal(t, Gzip, Detect(nil, "empty.gz", ContentSniffer))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Gzip, Normalize("application/x-gzip"))
	assert.Equal(t, XML, Normalize("text/xml; charset=utf-8"))
	assert.Equal(t, XML, Normalize("application/xml"))
	assert.Equal(t, Zip, Normalize("application/x-zip-compressed"))
	assert.Equal(t, "", Normalize("application/octet-stream"))
	assert.Equal(t, "", Normalize("text/plain; charset=utf-8"))
	assert.True(t, IsGeneric("application/octet-stream; name=report.gz"))
	assert.False(t, IsGeneric("application/gzip"))
}
