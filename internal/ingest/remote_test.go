package ingest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/remotefs"
	"github.com/aaronromeo/dmarcpat/internal/sourceaction"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

func TestProcessRemote(t *testing.T) {
	ctrl := gomock.NewController(t)
	persister := NewMockPersister(ctrl)
	fs := NewMockRemoteStore(ctrl)
	ctx := context.Background()

	good := reportXML("google.com", "g-1")
	fs.EXPECT().Location().Return("s3://reports/dmarc/").AnyTimes()
	fs.EXPECT().List(gomock.Any()).Return([]remotefs.Object{
		{Key: "dmarc/google.xml.gz", Name: "google.xml.gz"},
		{Key: "dmarc/broken.zip", Name: "broken.zip"},
	}, nil)
	fs.EXPECT().Open(gomock.Any(), "dmarc/google.xml.gz").Return(io.NopCloser(bytes.NewReader(gzipBytes(t, good))), nil)
	fs.EXPECT().Open(gomock.Any(), "dmarc/broken.zip").Return(io.NopCloser(bytes.NewReader(zipBytes(t, map[string][]byte{}))), nil)
	fs.EXPECT().Delete(gomock.Any(), "dmarc/google.xml.gz").Return(nil)
	fs.EXPECT().Move(gomock.Any(), "dmarc/broken.zip", "failed").Return("dmarc/failed/broken.zip", nil)

	var bodies []string
	expectSave(persister, store.Meta{Origin: store.OriginRemote, Source: "bucket", Filename: "google.xml.gz"},
		&bodies, &store.ReportRef{ReportID: "g-1"}, nil)
	persister.EXPECT().LogOutcome(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	d := New(persister, WithLogger(setupLogger(t)))
	results, err := d.ProcessRemote(ctx, RemoteJob{
		Name:       "bucket",
		FS:         fs,
		WhenDone:   []sourceaction.Action{{Type: sourceaction.Delete}},
		WhenFailed: []sourceaction.Action{{Type: sourceaction.MoveTo, Param: "failed"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].OK())
	assert.Equal(t, []string{string(good)}, bodies, "live gzip streams are inflated")
	assert.Equal(t, errs.CodeSoft, results[1].ErrorCode)
	assert.Equal(t, "not exactly one file in the archive", results[1].Message)
}

func TestProcessRemoteListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	fs := NewMockRemoteStore(ctrl)
	fs.EXPECT().Location().Return("s3://reports/").AnyTimes()
	fs.EXPECT().List(gomock.Any()).Return(nil, errs.Transport("s3 list", io.ErrUnexpectedEOF))

	d := New(NewMockPersister(ctrl), WithLogger(setupLogger(t)))
	results, err := d.ProcessRemote(context.Background(), RemoteJob{Name: "bucket", FS: fs})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Equal(t, errs.KindTransport, errs.KindOf(err))
}
