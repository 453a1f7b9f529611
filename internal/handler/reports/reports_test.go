package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/ingest"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

type fakeUploader struct {
	bodies map[string]string
}

func (f *fakeUploader) ProcessUpload(_ context.Context, r io.Reader, filename string) ingest.Result {
	data, _ := io.ReadAll(r)
	f.bodies[filename] = string(data)
	if filename == "bad.zip" {
		return ingest.Result{Result: errs.ResultOf(errs.Soft("not exactly one file in the archive"), ""), Filename: filename}
	}
	return ingest.Result{Result: errs.ResultOf(nil, "the report is loaded"), Filename: filename}
}

type fakeLog struct {
	entries []store.LogEntry
	err     error
	limit   int
}

func (f *fakeLog) RecentLog(_ context.Context, limit int) ([]store.LogEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("report", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUpload(t *testing.T) {
	uploader := &fakeUploader{bodies: map[string]string{}}
	app := NewApp(New(uploader, &fakeLog{}, nil))

	body, contentType := multipartBody(t, map[string]string{
		"good.xml": "<feedback/>",
		"bad.zip":  "PK",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/reports", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Loaded  int `json:"loaded"`
		Failed  int `json:"failed"`
		Results []struct {
			ErrorCode int    `json:"error_code"`
			Message   string `json:"message"`
			Filename  string `json:"filename"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 1, got.Loaded)
	assert.Equal(t, 1, got.Failed)
	assert.Len(t, got.Results, 2)
	assert.Equal(t, "<feedback/>", uploader.bodies["good.xml"])
}

func TestUploadWithoutFiles(t *testing.T) {
	app := NewApp(New(&fakeUploader{bodies: map[string]string{}}, &fakeLog{}, nil))

	body, contentType := multipartBody(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/reports", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var got errs.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, errs.CodeSoft, got.ErrorCode)
	assert.Equal(t, "no report files uploaded", got.Message)
}

func TestHealth(t *testing.T) {
	app := NewApp(New(&fakeUploader{}, &fakeLog{}, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLog(t *testing.T) {
	log := &fakeLog{entries: []store.LogEntry{{ID: 2, Origin: "email", Success: 1, Message: "the report is loaded"}}}
	app := NewApp(New(&fakeUploader{}, log, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/log?limit=5", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, log.limit)

	var got []store.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, log.entries, got)

	log.err = errors.New("database is closed")
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/log", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
