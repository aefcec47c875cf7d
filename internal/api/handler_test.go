package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weavebox/internal/drive"
	"weavebox/internal/staging"
	"weavebox/internal/store"
	"weavebox/internal/transport"
	"weavebox/internal/upload"
	"weavebox/internal/wallet"
)

// Test mocks

type mockDriveAuth struct {
	connected bool
	token     string
	exchanged []string
}

func (m *mockDriveAuth) AuthURL() string { return "https://accounts.example/auth?state=s1" }

func (m *mockDriveAuth) Exchange(ctx context.Context, state, code string) error {
	if state != "s1" {
		return drive.ErrInvalidState
	}
	m.exchanged = append(m.exchanged, code)
	m.connected = true
	return nil
}

func (m *mockDriveAuth) SetAccessToken(accessToken string, expiresIn time.Duration) {
	m.token = accessToken
	m.connected = true
}

func (m *mockDriveAuth) Connected() bool { return m.connected }

func (m *mockDriveAuth) Disconnect(ctx context.Context) { m.connected = false }

type mockDriveBrowser struct {
	files []drive.FileDescriptor
	err   error
}

func (m *mockDriveBrowser) ListFiles(ctx context.Context, folderID string) ([]drive.FileDescriptor, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.files, nil
}

func (m *mockDriveBrowser) Thumbnail(ctx context.Context, id string) ([]byte, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	return []byte("thumb-" + id), "image/jpeg", nil
}

type mockDownloader struct {
	files map[string]*drive.Download
}

func (m *mockDownloader) DownloadFile(ctx context.Context, id string) (*drive.Download, error) {
	d, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", drive.ErrSourceFetch, id)
	}
	return d, nil
}

type mockUploader struct {
	report *upload.Report
	err    error
	ctxErr error
}

func (m *mockUploader) Run(ctx context.Context) (*upload.Report, error) {
	m.ctxErr = ctx.Err()
	return m.report, m.err
}

type mockLister struct {
	address string
	cursor  string
	page    *transport.TransactionPage
}

func (m *mockLister) ListTransactions(ctx context.Context, walletAddress, cursor string) (*transport.TransactionPage, error) {
	m.address, m.cursor = walletAddress, cursor
	if m.page == nil {
		return nil, fmt.Errorf("%w: status 502", transport.ErrGateway)
	}
	page := *m.page
	return &page, nil
}

type testEnv struct {
	handler *Handler
	staging *staging.Service
	auth    *mockDriveAuth
	browser *mockDriveBrowser
	lister  *mockLister
	wallet  *wallet.Static
}

func newTestEnv(t *testing.T, address string) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir, err := transport.NewDir(t.TempDir())
	require.NoError(t, err)

	svc := staging.NewService(st)
	w := wallet.NewStatic(address)
	lister := &mockLister{}
	auth := &mockDriveAuth{}
	browser := &mockDriveBrowser{}
	dl := &mockDownloader{files: map[string]*drive.Download{
		"d1": {Name: "notes.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}}

	h := NewHandler(Deps{
		Staging:            svc,
		Uploader:           upload.NewOrchestrator(svc, dir, w),
		Wallet:             w,
		Transactions:       lister,
		LocalStore:         dir,
		DriveAuth:          auth,
		DriveBrowser:       browser,
		DriveImporter:      drive.NewImporter(dl, svc),
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
	})
	return &testEnv{handler: h, staging: svc, auth: auth, browser: browser, lister: lister, wallet: w}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, name, contentType string, data []byte, identity string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)

	if identity != "" {
		require.NoError(t, mw.WriteField("identity", identity))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) insert(t *testing.T, name, contentType string, data []byte) *store.StagedFile {
	t.Helper()
	body, ct := multipartBody(t, name, contentType, data, "tester")
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var f store.StagedFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
	return &f
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestConfigProxy(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[ConfigResponse](t, rec)
	assert.Equal(t, "client-id", cfg.GoogleClientID)
	assert.Equal(t, "client-secret", cfg.GoogleClientSecret)

	h := NewHandler(Deps{GoogleClientID: "client-id"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Server configuration error", resp.Error)
	assert.Equal(t, "Missing required environment variables", resp.Message)
}

func TestFileLifecycle(t *testing.T) {
	env := newTestEnv(t, "addr-1")

	f := env.insert(t, "cat.png", "image/png", []byte("png-bytes"))
	assert.Equal(t, store.CategoryImage, f.Category)
	assert.Equal(t, store.StatusPending, f.Status)
	assert.Equal(t, "tester", f.UploadedBy)
	assert.True(t, f.Tx.Pending())
	require.NotEmpty(t, f.Handle)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[[]store.StagedFile](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, f.Handle, files[0].Handle)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/preview/"+f.Handle, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/files/%d/release", f.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["released"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/preview/"+f.Handle, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/files/%d", f.ID), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/files/%d", f.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsertRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, "addr-1")

	body, ct := multipartBody(t, "empty.txt", "text/plain", nil, "")
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, staging.ErrEmptyPayload.Error(), decode[ErrorResponse](t, rec).Error)

	req = httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/files/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunUploads(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	env.insert(t, "a.txt", "text/plain", []byte("first"))
	env.insert(t, "b.txt", "text/plain", []byte("second"))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[upload.Report](t, rec)
	assert.Len(t, report.Uploaded, 2)
	assert.Equal(t, "addr-1", report.Wallet)

	files, err := env.staging.ListAll(context.Background())
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, store.StatusUploaded, f.Status)
		assert.Len(t, f.Tx.ID(), 64)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 2, stats.UploadedFiles)
	assert.Equal(t, 2, stats.ByCategory["file"])
}

func TestRunUploadsWithoutWallet(t *testing.T) {
	env := newTestEnv(t, "")
	env.insert(t, "a.txt", "text/plain", []byte("first"))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	require.Equal(t, http.StatusPreconditionRequired, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.NotNil(t, resp.Report)

	files, err := env.staging.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, store.StatusPending, files[0].Status)
}

func TestRunUploadsOutlivesClient(t *testing.T) {
	up := &mockUploader{report: &upload.Report{}}
	h := NewHandler(Deps{Uploader: up})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/uploads", nil).WithContext(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, up.ctxErr)
}

func TestServeLocalUpload(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	env.insert(t, "note.txt", "text/plain", []byte("hello"))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[upload.Report](t, rec)
	require.Len(t, report.Uploaded, 1)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/local/"+report.Uploaded[0].Tx, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/local/"+strings.Repeat("0", 64), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/local/not-a-tx", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactions(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	env.lister.page = &transport.TransactionPage{
		Transactions: []transport.Transaction{
			{ID: "tx-1", ContentType: "image/png"},
			{ID: "tx-2", ContentType: "application/pdf"},
		},
		Cursor:      "c2",
		HasNextPage: true,
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/transactions", nil))
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	_, err := env.wallet.Connect(context.Background(), wallet.UploadPermissions)
	require.NoError(t, err)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/transactions?cursor=c0&type=image", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[transport.TransactionPage](t, rec)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "tx-1", page.Transactions[0].ID)
	assert.Equal(t, "c2", page.Cursor)
	assert.True(t, page.HasNextPage)
	assert.Equal(t, "addr-1", env.lister.address)
	assert.Equal(t, "c0", env.lister.cursor)

	env.lister.page = nil
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/transactions", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRunUploadsInProgress(t *testing.T) {
	h := NewHandler(Deps{Uploader: &mockUploader{err: upload.ErrRunInProgress}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/uploads", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWalletRoutes(t *testing.T) {
	env := newTestEnv(t, "addr-1")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/wallet", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[WalletResponse](t, rec).Connected)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "addr-1", decode[WalletResponse](t, rec).Address)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/wallet", nil))
	assert.True(t, decode[WalletResponse](t, rec).Connected)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/wallet/disconnect", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/wallet", nil))
	assert.False(t, decode[WalletResponse](t, rec).Connected)
}

func TestDriveNotConfigured(t *testing.T) {
	h := NewHandler(Deps{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/drive/files", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDriveAuthFlow(t *testing.T) {
	env := newTestEnv(t, "addr-1")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/drive/auth", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[DriveAuthResponse](t, rec).URL, "state=s1")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/drive/callback?state=bogus&code=c", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/drive/callback?state=s1&code=c", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Equal(t, []string{"c"}, env.auth.exchanged)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/drive/disconnect", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.auth.connected)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/drive/token", strings.NewReader(`{"accessToken":"tok","expiresIn":3600}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DriveAuthResponse](t, rec).Connected)
	assert.Equal(t, "tok", env.auth.token)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/drive/token", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriveBrowsing(t *testing.T) {
	env := newTestEnv(t, "addr-1")
	env.browser.files = []drive.FileDescriptor{{ID: "f1", Name: "photo.jpg", MimeType: "image/jpeg"}}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/drive/files?folder=abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[[]drive.FileDescriptor](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, "photo.jpg", files[0].Name)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/drive/thumbnail/f1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "thumb-f1", rec.Body.String())

	env.browser.err = fmt.Errorf("%w: %w", drive.ErrSourceFetch, drive.ErrAuthExpired)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/drive/files", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, reauthHint, decode[ErrorResponse](t, rec).Message)

	env.browser.err = fmt.Errorf("%w: boom", drive.ErrSourceFetch)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/drive/files", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDriveImport(t *testing.T) {
	env := newTestEnv(t, "addr-1")

	body := strings.NewReader(`{"ids":["d1","missing"],"identity":"drive-user"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/drive/import", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[drive.ImportReport](t, rec)
	require.Len(t, report.Imported, 1)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "missing", report.Failed[0].DriveID)

	files, err := env.staging.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, store.CategoryDocument, files[0].Category)
	assert.Equal(t, "drive-user", files[0].UploadedBy)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/drive/import", strings.NewReader(`{"ids":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: uploaded -> pending", store.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: insert: %w", store.ErrStorage, io.ErrUnexpectedEOF), http.StatusInsufficientStorage},
		{staging.ErrEmptyPayload, http.StatusBadRequest},
		{drive.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{wallet.ErrRejected, http.StatusForbidden},
		{transport.ErrTransport, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
