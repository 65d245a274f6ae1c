// Package attach fetches turn attachments into local storage under a byte
// cap and hands references to the provider bridge.
package attach

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
)

// Attachment describes one uploaded file. LocalPath is set once the
// ingestor has downloaded it.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	LocalPath    string `json:"-"`
}

type IngestResult struct {
	Summary    string
	Downloaded int
	Images     int
	Files      int
}

type Option func(*Ingestor)

func WithHTTPClient(client *http.Client) Option {
	return func(i *Ingestor) {
		if client != nil {
			i.client = client
		}
	}
}

type Ingestor struct {
	logger   *log.Logger
	enabled  bool
	maxBytes int64
	dir      string
	client   *http.Client
}

func NewIngestor(logger *log.Logger, enabled bool, maxBytes int64, dir string, timeout time.Duration, opts ...Option) *Ingestor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ingestor := &Ingestor{
		logger:   logger,
		enabled:  enabled,
		maxBytes: maxBytes,
		dir:      dir,
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ingestor)
		}
	}
	return ingestor
}

// Ingest inspects the attachments and, when downloading is enabled, fetches
// each into the flat storage dir as <id>-<name>. A size violation fails with
// ATTACHMENT_REJECTED and is never retried.
func (g *Ingestor) Ingest(ctx context.Context, sessionID, turnID string, attachments []Attachment) (IngestResult, []Attachment, error) {
	if len(attachments) == 0 {
		return IngestResult{Summary: "No attachments."}, attachments, nil
	}

	result := IngestResult{}
	out := make([]Attachment, len(attachments))
	copy(out, attachments)

	for idx := range out {
		attachment := &out[idx]
		if strings.HasPrefix(attachment.ContentType, "image/") {
			result.Images++
		} else {
			result.Files++
		}

		if !g.enabled {
			continue
		}
		if attachment.Size > g.maxBytes {
			return IngestResult{}, nil, apperr.Newf(apperr.CodeAttachmentRejected, false,
				"attachment %s exceeds the %d byte limit", attachment.Filename, g.maxBytes)
		}
		if err := g.download(ctx, sessionID, turnID, attachment); err != nil {
			return IngestResult{}, nil, err
		}
		result.Downloaded++
	}

	summary := fmt.Sprintf("Checked %d attachment(s): %d image(s), %d other file(s).",
		len(out), result.Images, result.Files)
	if g.enabled {
		summary += fmt.Sprintf(" Downloaded %d.", result.Downloaded)
	}
	result.Summary = summary
	return result, out, nil
}

func (g *Ingestor) download(ctx context.Context, sessionID, turnID string, attachment *Attachment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachment.URL, nil)
	if err != nil {
		return apperr.Newf(apperr.CodeAttachmentFetch, false, "build attachment request: %v", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperr.Newf(apperr.CodeAttachmentFetch, true, "fetch attachment %s: %v", attachment.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperr.Newf(apperr.CodeAttachmentFetch, true,
			"attachment host error status=%d for %s", resp.StatusCode, attachment.Filename)
	}
	if resp.StatusCode >= 400 {
		return apperr.Newf(apperr.CodeAttachmentFetch, false,
			"attachment fetch rejected status=%d for %s", resp.StatusCode, attachment.Filename)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return apperr.Newf(apperr.CodeAttachmentFetch, true, "read attachment %s: %v", attachment.Filename, err)
	}
	if int64(len(body)) > g.maxBytes {
		return apperr.Newf(apperr.CodeAttachmentRejected, false,
			"attachment %s exceeds the %d byte limit", attachment.Filename, g.maxBytes)
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return apperr.Newf(apperr.CodeAttachmentFetch, false, "create attachment dir: %v", err)
	}
	// flat storage directory: one <attachment_id>-<filename> entry per file
	targetPath := filepath.Join(g.dir, attachment.AttachmentID+"-"+sanitizeFilename(attachment.Filename))
	if err := os.WriteFile(targetPath, body, 0o644); err != nil {
		return apperr.Newf(apperr.CodeAttachmentFetch, false, "store attachment: %v", err)
	}

	attachment.LocalPath = targetPath
	g.logger.Printf("attachment stored session_id=%s turn_id=%s path=%s bytes=%d",
		sessionID, turnID, targetPath, len(body))
	return nil
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("..", "_", "/", "_", "\\", "_")
	sanitized := replacer.Replace(strings.TrimSpace(name))
	if sanitized == "" {
		return "attachment"
	}
	return sanitized
}
