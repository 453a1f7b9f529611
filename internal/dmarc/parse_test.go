package dmarc

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/dmarcpat/internal/errs"
)

func TestParseSample(t *testing.T) {
	f, err := os.Open("testdata/google.com.xml")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	fb, err := Parse(f)
	require.NoError(t, err)

	assert.Equal(t, "google.com", fb.ReportMetadata.OrgName)
	assert.Equal(t, "5717107811868587391", fb.ReportMetadata.ReportID)
	assert.Equal(t, "example.com", fb.PolicyPublished.Domain)
	assert.Equal(t, "2024-03-01T00:00:00Z", fb.ReportMetadata.DateRange.BeginTime().Format("2006-01-02T15:04:05Z07:00"))
	require.Len(t, fb.Records, 2)
	assert.Equal(t, 4, fb.Messages())

	first := fb.Records[0]
	assert.Equal(t, "203.0.113.10", first.Row.SourceIP)
	require.Len(t, first.AuthResults.DKIM, 2)
	assert.Equal(t, "k2", first.AuthResults.DKIM[1].Selector)
	assert.Equal(t, "pass", first.AuthResults.SPF[0].Result)

	second := fb.Records[1]
	require.Len(t, second.Row.PolicyEvaluated.Reasons, 1)
	assert.Equal(t, "forwarded", second.Row.PolicyEvaluated.Reasons[0].Type)
	assert.Empty(t, second.AuthResults.DKIM)
}

func TestParseCharset(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>" +
		"<feedback><report_metadata><org_name>Soci\xe9t\xe9</org_name><report_id>r1</report_id>" +
		"<date_range><begin>1</begin><end>2</end></date_range></report_metadata>" +
		"<policy_published><domain>example.fr</domain></policy_published></feedback>"

	fb, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "Société", fb.ReportMetadata.OrgName)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{name: "empty", doc: "", wantErr: "empty document"},
		{name: "not xml", doc: "this is not a report", wantErr: "incorrect report"},
		{
			name:    "missing identifiers",
			doc:     "<feedback><report_metadata><date_range><begin>1</begin><end>2</end></date_range></report_metadata></feedback>",
			wantErr: "missing org_name, report_id, policy_published/domain",
		},
		{
			name: "bad date range",
			doc: "<feedback><report_metadata><org_name>o</org_name><report_id>r</report_id>" +
				"<date_range><begin>5</begin><end>2</end></date_range></report_metadata>" +
				"<policy_published><domain>d</domain></policy_published></feedback>",
			wantErr: "invalid date range",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			require.Error(t, err)
			assert.True(t, errs.IsSoft(err))
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("<feedback><report_metadata><org_name>")
	buf.Write(bytes.Repeat([]byte("a"), MaxReportSize))
	buf.WriteString("</org_name></report_metadata></feedback>")

	_, err := Parse(&buf)
	require.Error(t, err)
	assert.True(t, errs.IsSoft(err))
	assert.Contains(t, err.Error(), "too large")
}
