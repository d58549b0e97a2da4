// Package fetcher pulls invoice documents from the FTP inbox and writes
// spreadsheet exports.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"net"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/model"
)

// DefaultMaxSize is the largest document the inbox downloads.
const DefaultMaxSize = 25 << 20

// defaultExtensions are the document types picked up from the inbox.
var defaultExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".txt", ".xml", ".json", ".csv"}

// InboxOptions configures the FTP inbox.
type InboxOptions struct {
	Host       string
	User       string
	Password   string
	Dir        string
	ArchiveDir string
	Timeout    time.Duration
	MaxSize    int64
	Extensions []string
}

// conn is the subset of *ftp.ServerConn the inbox uses.
type conn interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	Rename(from, to string) error
	Quit() error
}

// serverConn adapts *ftp.ServerConn to conn.
type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

// Inbox lists, downloads and archives invoice documents on an FTP server.
type Inbox struct {
	opts InboxOptions
	dial func(ctx context.Context) (conn, error)
}

// NewInbox creates an Inbox with the given options.
func NewInbox(opts InboxOptions) *Inbox {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = defaultExtensions
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	if _, _, err := net.SplitHostPort(opts.Host); err != nil && opts.Host != "" {
		opts.Host = net.JoinHostPort(opts.Host, "21")
	}
	in := &Inbox{opts: opts}
	in.dial = in.dialFTP
	return in
}

func (in *Inbox) dialFTP(ctx context.Context) (conn, error) {
	zap.L().Debug("ftp: connecting", zap.String("host", in.opts.Host))

	c, err := ftp.Dial(in.opts.Host, ftp.DialWithTimeout(in.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	if err := c.Login(in.opts.User, in.opts.Password); err != nil {
		c.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "ftp login")
	}
	return serverConn{c}, nil
}

// HandlerFunc receives one downloaded document. Returning nil archives it.
type HandlerFunc func(ctx context.Context, doc model.Document) error

// Poll hands every supported document in the inbox directory to fn and
// archives the ones fn accepted. Per-document failures are logged and the
// document stays in the inbox for the next poll. It returns the number of
// archived documents.
func (in *Inbox) Poll(ctx context.Context, fn HandlerFunc) (int, error) {
	c, err := in.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Quit() //nolint:errcheck

	entries, err := c.List(in.opts.Dir)
	if err != nil {
		return 0, eris.Wrapf(err, "ftp list %s", in.opts.Dir)
	}

	archived := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if e.Type != ftp.EntryTypeFile || !in.supported(e.Name) {
			continue
		}
		log := zap.L().With(zap.String("file", e.Name))
		if e.Size > uint64(in.opts.MaxSize) {
			log.Warn("ftp: document too large, skipping", zap.Uint64("size", e.Size))
			continue
		}

		doc, err := in.fetch(c, e.Name)
		if err != nil {
			log.Error("ftp: download failed", zap.Error(err))
			continue
		}
		if err := fn(ctx, doc); err != nil {
			log.Error("ftp: document not accepted", zap.Error(err))
			continue
		}
		if err := in.archive(c, e.Name); err != nil {
			log.Warn("ftp: archive failed", zap.Error(err))
			continue
		}
		archived++
	}
	return archived, nil
}

func (in *Inbox) fetch(c conn, name string) (model.Document, error) {
	p := path.Join(in.opts.Dir, name)
	rc, err := c.Retr(p)
	if err != nil {
		return model.Document{}, eris.Wrap(err, "ftp retrieve")
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, in.opts.MaxSize+1))
	if err != nil {
		return model.Document{}, eris.Wrap(err, "ftp read")
	}
	if int64(len(data)) > in.opts.MaxSize {
		return model.Document{}, eris.Errorf("ftp: %s exceeds %d bytes", name, in.opts.MaxSize)
	}

	sum := sha256.Sum256(data)
	return model.Document{
		Name:        name,
		ContentType: ContentType(name),
		SourceRef:   "ftp://" + in.opts.Host + p,
		SHA256:      hex.EncodeToString(sum[:]),
		Content:     data,
	}, nil
}

func (in *Inbox) archive(c conn, name string) error {
	if in.opts.ArchiveDir == "" {
		return nil
	}
	from := path.Join(in.opts.Dir, name)
	to := path.Join(in.opts.ArchiveDir, name)
	if err := c.Rename(from, to); err != nil {
		return eris.Wrapf(err, "ftp rename %s", from)
	}
	return nil
}

func (in *Inbox) supported(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range in.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".xml":  "application/xml",
	".json": "application/json",
}

// ContentType guesses a document's MIME type from its file name.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
