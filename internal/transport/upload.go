package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

// Uploader sends a media file and returns the message the relay created for
// it.
type Uploader interface {
	Upload(ctx context.Context, conversationID, clientID string, f File, replyTo *message.ReplyRef) (message.Message, error)
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// KindFor maps a MIME type to a media kind. Only images, video and audio
// are accepted.
func KindFor(contentType string) (message.Kind, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return message.KindImage, nil
	case strings.HasPrefix(mt, "video/"):
		return message.KindVideo, nil
	case strings.HasPrefix(mt, "audio/"):
		return message.KindVoice, nil
	}
	return "", fmt.Errorf("%w: %q", errs.ErrUnsupportedMedia, contentType)
}

func (c *Client) Upload(ctx context.Context, conversationID, clientID string, f File, replyTo *message.ReplyRef) (message.Message, error) {
	if f.ContentType == "" {
		f.ContentType = http.DetectContentType(f.Data)
	}
	if _, err := KindFor(f.ContentType); err != nil {
		return message.Message{}, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", f.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return message.Message{}, err
	}
	_ = w.WriteField("client_id", clientID)
	if replyTo != nil {
		b, err := json.Marshal(replyTo)
		if err != nil {
			return message.Message{}, err
		}
		_ = w.WriteField("reply_to", string(b))
	}
	if err := w.Close(); err != nil {
		return message.Message{}, err
	}

	var out message.Message
	err = c.do(ctx, http.MethodPost, "/api/upload/"+url.PathEscape(conversationID), buf.Bytes(), w.FormDataContentType(), &out)
	return out, err
}
