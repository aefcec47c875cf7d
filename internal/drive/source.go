package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"golang.org/x/time/rate"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"weavebox/internal/logging"
)

const (
	RootFolder      = "root"
	folderMimeType  = "application/vnd.google-apps.folder"
	workspacePrefix = "application/vnd.google-apps."
	listFields      = "nextPageToken, files(id,name,mimeType,size,thumbnailLink,webViewLink,modifiedTime)"

	DefaultMaxDownload = 512 << 20
)

var (
	ErrSourceFetch = errors.New("drive fetch failed")
	ErrTooLarge    = errors.New("file exceeds download limit")
)

// FileDescriptor describes one entry of a Drive folder.
type FileDescriptor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	Size          int64  `json:"size"`
	ThumbnailLink string `json:"thumbnailLink,omitempty"`
	WebViewLink   string `json:"webViewLink,omitempty"`
	ModifiedTime  string `json:"modifiedTime,omitempty"`
	Folder        bool   `json:"folder"`
}

// Download is the content of one Drive file, exported when it is a Google
// Workspace document.
type Download struct {
	Name        string
	ContentType string
	Data        []byte
}

type exportFormat struct {
	mimeType string
	ext      string
}

var (
	exportPDF     = exportFormat{"application/pdf", ".pdf"}
	exportFormats = map[string]exportFormat{
		"application/vnd.google-apps.document":     exportPDF,
		"application/vnd.google-apps.spreadsheet":  {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
		"application/vnd.google-apps.presentation": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
	}
)

func exportFor(mimeType string) exportFormat {
	if f, ok := exportFormats[mimeType]; ok {
		return f
	}
	return exportPDF
}

// SourceOptions tunes a Source.
type SourceOptions struct {
	Endpoint    string // overrides the Drive API base URL
	MaxDownload int64  // bytes; zero selects DefaultMaxDownload
	Limiter     *rate.Limiter
	Thumbs      *ThumbCache
}

// Source lists and downloads files from the authorized user's Drive.
type Source struct {
	auth        *Auth
	endpoint    string
	maxDownload int64
	limiter     *rate.Limiter
	thumbs      *ThumbCache
}

// NewSource creates a Drive source using auth for every request.
func NewSource(auth *Auth, opts SourceOptions) *Source {
	if opts.MaxDownload <= 0 {
		opts.MaxDownload = DefaultMaxDownload
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(10), 20)
	}
	return &Source{
		auth:        auth,
		endpoint:    opts.Endpoint,
		maxDownload: opts.MaxDownload,
		limiter:     opts.Limiter,
		thumbs:      opts.Thumbs,
	}
}

func (s *Source) service(ctx context.Context) (*gdrive.Service, *http.Client, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	client, err := s.auth.Client(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	svc, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	return svc, client, nil
}

// fetchErr wraps err in ErrSourceFetch, adding ErrAuthExpired for 401s.
func fetchErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %w", ErrSourceFetch, op, ErrAuthExpired)
	}
	return fmt.Errorf("%w: %s: %w", ErrSourceFetch, op, err)
}

// ListFiles returns the entries of folderID, the Drive root when empty.
func (s *Source) ListFiles(ctx context.Context, folderID string) ([]FileDescriptor, error) {
	if folderID == "" {
		folderID = RootFolder
	}
	svc, _, err := s.service(ctx)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folderID, "'", `\'`))
	var out []FileDescriptor
	pageToken := ""
	for {
		call := svc.Files.List().Q(q).Fields(listFields).PageSize(200).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			logging.Drive.Printf("list %s failed: %v", folderID, err)
			return nil, fetchErr("list "+folderID, err)
		}
		for _, f := range list.Files {
			out = append(out, FileDescriptor{
				ID:            f.Id,
				Name:          f.Name,
				MimeType:      f.MimeType,
				Size:          f.Size,
				ThumbnailLink: f.ThumbnailLink,
				WebViewLink:   f.WebViewLink,
				ModifiedTime:  f.ModifiedTime,
				Folder:        f.MimeType == folderMimeType,
			})
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
		}
	}

	logging.Drive.Printf("listed %d entries in %s", len(out), folderID)
	return out, nil
}

// DownloadFile fetches the content of id. Google Workspace documents are
// exported to an office format. A cancelled context abandons the transfer
// and discards whatever was buffered.
func (s *Source) DownloadFile(ctx context.Context, id string) (*Download, error) {
	svc, _, err := s.service(ctx)
	if err != nil {
		return nil, err
	}

	meta, err := svc.Files.Get(id).Fields("id,name,mimeType,size").Context(ctx).Do()
	if err != nil {
		return nil, fetchErr("get "+id, err)
	}
	if meta.MimeType == folderMimeType {
		return nil, fmt.Errorf("%w: %s is a folder", ErrSourceFetch, meta.Name)
	}

	dl := &Download{Name: meta.Name, ContentType: meta.MimeType}
	var resp *http.Response
	if strings.HasPrefix(meta.MimeType, workspacePrefix) {
		format := exportFor(meta.MimeType)
		dl.ContentType = format.mimeType
		if path.Ext(dl.Name) != format.ext {
			dl.Name += format.ext
		}
		resp, err = svc.Files.Export(id, format.mimeType).Context(ctx).Download()
	} else {
		if meta.Size > s.maxDownload {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceFetch, meta.Name, ErrTooLarge)
		}
		resp, err = svc.Files.Get(id).Context(ctx).Download()
	}
	if err != nil {
		return nil, fetchErr("download "+id, err)
	}
	defer resp.Body.Close()

	data, err := s.readBody(ctx, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceFetch, meta.Name, err)
	}
	dl.Data = data

	logging.Drive.Printf("downloaded %s (%d bytes)", dl.Name, len(data))
	return dl, nil
}

func (s *Source) readBody(ctx context.Context, body io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, s.maxDownload+1))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if n > s.maxDownload {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// Thumbnail returns the thumbnail image of id, from the cache when present.
func (s *Source) Thumbnail(ctx context.Context, id string) ([]byte, string, error) {
	if s.thumbs != nil {
		if data, ct, ok := s.thumbs.Get(id); ok {
			return data, ct, nil
		}
	}

	svc, client, err := s.service(ctx)
	if err != nil {
		return nil, "", err
	}
	meta, err := svc.Files.Get(id).Fields("id,thumbnailLink").Context(ctx).Do()
	if err != nil {
		return nil, "", fetchErr("get "+id, err)
	}
	if meta.ThumbnailLink == "" {
		return nil, "", fmt.Errorf("%w: %s has no thumbnail", ErrSourceFetch, id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.ThumbnailLink, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: thumbnail %s: %w", ErrSourceFetch, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, "", fmt.Errorf("%w: thumbnail %s: %w", ErrSourceFetch, id, ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: thumbnail %s: status %d", ErrSourceFetch, id, resp.StatusCode)
	}

	limit := int64(DefaultThumbMaxItem)
	if s.thumbs != nil {
		limit = s.thumbs.MaxItem()
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: thumbnail %s: %w", ErrSourceFetch, id, err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%w: thumbnail %s", ErrTooLarge, id)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if s.thumbs != nil {
		s.thumbs.Put(id, data, ct)
	}
	return data, ct, nil
}
