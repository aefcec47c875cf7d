package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"weavebox/internal/drive"
	"weavebox/internal/logging"
	"weavebox/internal/staging"
	"weavebox/internal/store"
	"weavebox/internal/transport"
	"weavebox/internal/upload"
	"weavebox/internal/wallet"
)

// MaxUploadSize is the largest file accepted by POST /api/files (512MB).
const MaxUploadSize = 512 << 20

const reauthHint = "Google authorization expired. Sign in to Google Drive again."

// Uploader runs one upload pass over the staged files.
type Uploader interface {
	Run(ctx context.Context) (*upload.Report, error)
}

// DriveAuth is the OAuth session used by the Drive routes.
type DriveAuth interface {
	AuthURL() string
	Exchange(ctx context.Context, state, code string) error
	SetAccessToken(accessToken string, expiresIn time.Duration)
	Connected() bool
	Disconnect(ctx context.Context)
}

// DriveBrowser lists Drive folders and fetches thumbnails.
type DriveBrowser interface {
	ListFiles(ctx context.Context, folderID string) ([]drive.FileDescriptor, error)
	Thumbnail(ctx context.Context, id string) ([]byte, string, error)
}

// DriveImporter copies Drive files into staging.
type DriveImporter interface {
	Import(ctx context.Context, ids []string, identity string) (*drive.ImportReport, error)
}

// TransactionLister pages through a wallet's uploaded transactions.
type TransactionLister interface {
	ListTransactions(ctx context.Context, walletAddress, cursor string) (*transport.TransactionPage, error)
}

// LocalStore serves items written by the local directory transport.
type LocalStore interface {
	Load(id string) ([]byte, transport.FileMeta, error)
}

// Deps are the services behind the HTTP routes. The Drive fields may be
// nil when Google is not configured.
type Deps struct {
	Staging  *staging.Service
	Uploader Uploader
	Wallet   wallet.Connector

	Transactions TransactionLister
	// LocalStore is set only when uploads go to a local directory.
	LocalStore LocalStore

	DriveAuth     DriveAuth
	DriveBrowser  DriveBrowser
	DriveImporter DriveImporter

	GoogleClientID     string
	GoogleClientSecret string

	// AfterAuth is where the OAuth callback redirects; defaults to "/".
	AfterAuth string
}

// Handler handles HTTP requests.
type Handler struct {
	deps   Deps
	router chi.Router
}

// NewHandler creates a new HTTP handler.
func NewHandler(deps Deps) *Handler {
	if deps.AfterAuth == "" {
		deps.AfterAuth = "/"
	}
	h := &Handler{deps: deps, router: chi.NewRouter()}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	r := h.router
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.handleConfig)
		r.Get("/stats", h.handleStats)

		r.Get("/files", h.handleListFiles)
		r.Post("/files", h.handleInsertFile)
		r.Delete("/files/{id}", h.handleDeleteFile)
		r.Post("/files/{id}/release", h.handleReleaseFile)
		r.Get("/preview/{handle}", h.handlePreview)

		r.Post("/uploads", h.handleRunUploads)
		r.Get("/transactions", h.handleTransactions)
		r.Get("/local/{tx}", h.handleLocalItem)

		r.Get("/wallet", h.handleWallet)
		r.Post("/wallet/connect", h.handleWalletConnect)
		r.Post("/wallet/disconnect", h.handleWalletDisconnect)

		r.Route("/drive", func(r chi.Router) {
			r.Use(h.requireDrive)
			r.Get("/auth", h.handleDriveAuth)
			r.Get("/callback", h.handleDriveCallback)
			r.Post("/token", h.handleDriveToken)
			r.Post("/disconnect", h.handleDriveDisconnect)
			r.Get("/files", h.handleDriveFiles)
			r.Get("/thumbnail/{id}", h.handleDriveThumbnail)
			r.Post("/import", h.handleDriveImport)
		})
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Report  any    `json:"report,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, staging.ErrUnknownHandle),
		errors.Is(err, transport.ErrNotStored):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, upload.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, staging.ErrEmptyPayload), errors.Is(err, drive.ErrInvalidState),
		errors.Is(err, transport.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, drive.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, drive.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, wallet.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, wallet.ErrNotConnected):
		return http.StatusPreconditionRequired
	case errors.Is(err, drive.ErrSourceFetch), errors.Is(err, transport.ErrTransport),
		errors.Is(err, transport.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, report any) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Report: report}
	if status == http.StatusUnauthorized {
		resp.Message = reauthHint
	}
	if status == http.StatusInternalServerError {
		logging.HTTP.Printf("internal error: %v", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func fileID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok")
}

// ConfigResponse exposes the Google client credentials to the frontend.
type ConfigResponse struct {
	GoogleClientID     string `json:"googleClientId"`
	GoogleClientSecret string `json:"googleClientSecret"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.GoogleClientID == "" || h.deps.GoogleClientSecret == "" {
		logging.HTTP.Println("config requested but Google credentials are missing")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Server configuration error",
			Message: "Missing required environment variables",
		})
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		GoogleClientID:     h.deps.GoogleClientID,
		GoogleClientSecret: h.deps.GoogleClientSecret,
	})
}

// StatsResponse is the JSON view of store.Stats.
type StatsResponse struct {
	TotalFiles     int            `json:"totalFiles"`
	PendingFiles   int            `json:"pendingFiles"`
	UploadingFiles int            `json:"uploadingFiles"`
	UploadedFiles  int            `json:"uploadedFiles"`
	TotalBytes     int64          `json:"totalBytes"`
	TotalSize      string         `json:"totalSize"`
	PendingSize    string         `json:"pendingSize"`
	UploadedSize   string         `json:"uploadedSize"`
	OldestFile     *time.Time     `json:"oldestFile,omitempty"`
	NewestFile     *time.Time     `json:"newestFile,omitempty"`
	ByCategory     map[string]int `json:"byCategory"`
	LiveHandles    int            `json:"liveHandles"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Staging.Stats(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}

	resp := StatsResponse{
		TotalFiles:     stats.TotalFiles,
		PendingFiles:   stats.PendingFiles,
		UploadingFiles: stats.UploadingFiles,
		UploadedFiles:  stats.UploadedFiles,
		TotalBytes:     stats.TotalBytes,
		TotalSize:      humanize.IBytes(uint64(stats.TotalBytes)),
		PendingSize:    humanize.IBytes(uint64(stats.PendingBytes)),
		UploadedSize:   humanize.IBytes(uint64(stats.UploadedBytes)),
		ByCategory:     make(map[string]int, len(stats.ByCategory)),
		LiveHandles:    h.deps.Staging.HandleCount(),
	}
	if !stats.OldestFile.IsZero() {
		resp.OldestFile = &stats.OldestFile
		resp.NewestFile = &stats.NewestFile
	}
	for c, n := range stats.ByCategory {
		resp.ByCategory[string(c)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.deps.Staging.ListAll(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if files == nil {
		files = []*store.StagedFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) handleInsertFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "file too large (max 512MB)", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	part, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusBadRequest)
		return
	}

	f, err := h.deps.Staging.Insert(r.Context(), data, header.Header.Get("Content-Type"), header.Filename, r.FormValue("identity"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(r)
	if !ok {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}
	if err := h.deps.Staging.Delete(r.Context(), id); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReleaseFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(r)
	if !ok {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": h.deps.Staging.Release(id)})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Staging.Open(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, err, nil)
		return
	}

	// ServeContent handles Range requests and HEAD.
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, f.Name, time.Time{}, bytes.NewReader(f.Payload))
}

func (h *Handler) handleRunUploads(w http.ResponseWriter, r *http.Request) {
	// A run pays for storage; a client disconnect must not cut it short.
	report, err := h.deps.Uploader.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		var body any
		if report != nil {
			body = report
		}
		writeError(w, err, body)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Transactions == nil {
		http.Error(w, "transaction listing not configured", http.StatusServiceUnavailable)
		return
	}
	address, err := h.deps.Wallet.ActiveAddress(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}

	q := r.URL.Query()
	page, err := h.deps.Transactions.ListTransactions(r.Context(), address, q.Get("cursor"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	page.Transactions = transport.FilterByContentType(page.Transactions, q.Get("type"))
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleLocalItem(w http.ResponseWriter, r *http.Request) {
	if h.deps.LocalStore == nil {
		http.Error(w, "local store not enabled", http.StatusNotFound)
		return
	}
	data, meta, err := h.deps.LocalStore.Load(chi.URLParam(r, "tx"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = transport.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, meta.Name, time.Time{}, bytes.NewReader(data))
}

// WalletResponse reports the wallet connection state.
type WalletResponse struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	address, err := h.deps.Wallet.ActiveAddress(r.Context())
	if errors.Is(err, wallet.ErrNotConnected) {
		writeJSON(w, http.StatusOK, WalletResponse{})
		return
	}
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Connected: true, Address: address})
}

func (h *Handler) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	address, err := h.deps.Wallet.Connect(r.Context(), wallet.UploadPermissions)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Connected: true, Address: address})
}

func (h *Handler) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Wallet.Disconnect(r.Context()); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{})
}

func (h *Handler) requireDrive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.DriveAuth == nil || h.deps.DriveBrowser == nil || h.deps.DriveImporter == nil {
			http.Error(w, "google drive not configured", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DriveAuthResponse carries the consent URL and the session state.
type DriveAuthResponse struct {
	URL       string `json:"url,omitempty"`
	Connected bool   `json:"connected"`
}

func (h *Handler) handleDriveAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DriveAuthResponse{
		URL:       h.deps.DriveAuth.AuthURL(),
		Connected: h.deps.DriveAuth.Connected(),
	})
}

func (h *Handler) handleDriveCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		logging.Drive.Printf("consent denied: %s", e)
		http.Error(w, "authorization denied: "+e, http.StatusForbidden)
		return
	}
	if q.Get("code") == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if err := h.deps.DriveAuth.Exchange(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		if errors.Is(err, drive.ErrInvalidState) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, h.deps.AfterAuth, http.StatusFound)
}

// DriveTokenRequest installs a token obtained by the browser.
type DriveTokenRequest struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"` // seconds
}

func (h *Handler) handleDriveToken(w http.ResponseWriter, r *http.Request) {
	var req DriveTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		http.Error(w, "accessToken is required", http.StatusBadRequest)
		return
	}
	h.deps.DriveAuth.SetAccessToken(req.AccessToken, time.Duration(req.ExpiresIn)*time.Second)
	writeJSON(w, http.StatusOK, DriveAuthResponse{Connected: h.deps.DriveAuth.Connected()})
}

func (h *Handler) handleDriveDisconnect(w http.ResponseWriter, r *http.Request) {
	h.deps.DriveAuth.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, DriveAuthResponse{})
}

func (h *Handler) handleDriveFiles(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = drive.RootFolder
	}
	files, err := h.deps.DriveBrowser.ListFiles(r.Context(), folder)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if files == nil {
		files = []drive.FileDescriptor{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) handleDriveThumbnail(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := h.deps.DriveBrowser.Thumbnail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

// DriveImportRequest names the Drive files to stage.
type DriveImportRequest struct {
	IDs      []string `json:"ids"`
	Identity string   `json:"identity"`
}

func (h *Handler) handleDriveImport(w http.ResponseWriter, r *http.Request) {
	var req DriveImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids must not be empty", http.StatusBadRequest)
		return
	}

	report, err := h.deps.DriveImporter.Import(r.Context(), req.IDs, req.Identity)
	if err != nil {
		var body any
		if report != nil {
			body = report
		}
		writeError(w, err, body)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
