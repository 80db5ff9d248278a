package backend

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"bankchat/internal/model"
	"bankchat/internal/pkg/pdfextract"
)

const (
	MaxAttachmentSize = 20 << 20 // 20 MB
	previewRunes      = 200
)

var ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)

// Attachment is a file sent along with a chat message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

func NewAttachment(name string, data []byte) Attachment {
	return Attachment{
		Name:        filepath.Base(name),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}
}

func LoadAttachment(path string) (Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("open attachment failed: %w", err)
	}
	defer f.Close()
	return readAttachment(filepath.Base(path), f)
}

func AttachmentFromHeader(fh *multipart.FileHeader) (Attachment, error) {
	if fh.Size > MaxAttachmentSize {
		return Attachment{}, ErrAttachmentTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return Attachment{}, fmt.Errorf("open uploaded file failed: %w", err)
	}
	defer f.Close()
	return readAttachment(fh.Filename, f)
}

func readAttachment(name string, r io.Reader) (Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAttachmentSize+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment failed: %w", err)
	}
	if len(data) > MaxAttachmentSize {
		return Attachment{}, ErrAttachmentTooLarge
	}
	return NewAttachment(name, data), nil
}

// Info summarizes the attachment for the user message metadata.
func (a Attachment) Info() model.AttachmentInfo {
	info := model.AttachmentInfo{
		Name:        a.Name,
		Size:        int64(len(a.Data)),
		ContentType: a.ContentType,
	}
	if mimetype.Detect(a.Data).Is("application/pdf") {
		if summary, err := pdfextract.Inspect(a.Data, previewRunes); err == nil {
			info.Pages = summary.Pages
			info.Preview = summary.Preview
		}
	}
	return info
}
