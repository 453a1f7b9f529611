package dmarc

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html/charset"

	"github.com/aaronromeo/dmarcpat/internal/errs"
)

// MaxReportSize bounds the decompressed XML accepted by Parse.
const MaxReportSize = 20 << 20

// Parse decodes and validates one aggregate report. Malformed or incomplete
// reports are soft failures.
func Parse(r io.Reader) (*Feedback, error) {
	limited := &io.LimitedReader{R: r, N: MaxReportSize + 1}

	dec := xml.NewDecoder(limited)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var fb Feedback
	if err := dec.Decode(&fb); err != nil {
		if limited.N <= 0 {
			return nil, errs.Soft("incorrect report: the report is too large")
		}
		if errors.Is(err, io.EOF) {
			return nil, errs.Soft("incorrect report: empty document")
		}
		return nil, errs.SoftWrap(err, "incorrect report")
	}
	if limited.N <= 0 {
		return nil, errs.Soft("incorrect report: the report is too large")
	}
	if err := fb.Validate(); err != nil {
		return nil, err
	}
	return &fb, nil
}

// Validate checks the fields every stored report needs.
func (f *Feedback) Validate() error {
	var missing []string
	if strings.TrimSpace(f.ReportMetadata.OrgName) == "" {
		missing = append(missing, "org_name")
	}
	if strings.TrimSpace(f.ReportMetadata.ReportID) == "" {
		missing = append(missing, "report_id")
	}
	if strings.TrimSpace(f.PolicyPublished.Domain) == "" {
		missing = append(missing, "policy_published/domain")
	}
	if len(missing) > 0 {
		return errs.Softf("incorrect report: missing %s", strings.Join(missing, ", "))
	}
	dr := f.ReportMetadata.DateRange
	if dr.Begin <= 0 || dr.End <= 0 || dr.End < dr.Begin {
		return errs.Soft("incorrect report: invalid date range")
	}
	return nil
}
