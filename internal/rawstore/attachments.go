package rawstore

import (
	"errors"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
)

// ErrAttachmentNotFound marks a filename absent from the raw message.
var ErrAttachmentNotFound = errors.New("attachment not found in message")

// AttachmentPart is one attachment extracted from a raw MIME message.
type AttachmentPart struct {
	Filename    string
	ContentType string
	Content     []byte
}

// FindAttachment walks a raw MIME message and returns the attachment
// whose filename matches, case-insensitively. An empty filename matches
// the first attachment part.
func FindAttachment(raw []byte, filename string) (*AttachmentPart, error) {
	entity, err := message.Read(strings.NewReader(string(raw)))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	var found *AttachmentPart
	walk(entity, func(part *message.Entity) bool {
		name := partFilename(part)
		if name == "" && !isAttachmentDisposition(part) {
			return false
		}
		if filename != "" && !strings.EqualFold(name, filename) {
			return false
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			return false
		}
		mediaType, _, _ := part.Header.ContentType()
		found = &AttachmentPart{
			Filename:    name,
			ContentType: mediaType,
			Content:     content,
		}
		return true
	})

	if found == nil {
		return nil, ErrAttachmentNotFound
	}
	return found, nil
}

// walk visits leaf parts depth-first until visit returns true.
func walk(entity *message.Entity, visit func(*message.Entity) bool) bool {
	mr := entity.MultipartReader()
	if mr == nil {
		return visit(entity)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return false
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return false
		}
		if walk(part, visit) {
			return true
		}
	}
}

func partFilename(part *message.Entity) string {
	if disp, params, err := part.Header.ContentDisposition(); err == nil && disp != "" {
		if name := params["filename"]; name != "" {
			return decodeHeaderWord(name)
		}
	}
	if _, params, err := part.Header.ContentType(); err == nil {
		if name := params["name"]; name != "" {
			return decodeHeaderWord(name)
		}
	}
	return ""
}

func isAttachmentDisposition(part *message.Entity) bool {
	disp, _, err := part.Header.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

func decodeHeaderWord(s string) string {
	dec := &mime.WordDecoder{}
	if decoded, err := dec.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}
