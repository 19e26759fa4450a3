// Package media stores uploaded files and their thumbnails.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/transport"
)

// ThumbnailWidth is the width of generated image previews; height keeps the
// aspect ratio.
const ThumbnailWidth = 320

// Store puts bytes under key and returns a URL clients can fetch.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type Saved struct {
	URL       string
	Thumbnail string
	Kind      message.Kind
	Name      string
}

type Service struct {
	store    Store
	maxBytes int
	log      *zap.SugaredLogger
}

func NewService(store Store, maxBytes int, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{store: store, maxBytes: maxBytes, log: log}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}

// Save stores one upload for userID. Images also get a JPEG thumbnail; a
// thumbnail failure is logged and does not fail the upload.
func (s *Service) Save(ctx context.Context, userID, name, contentType string, data []byte) (Saved, error) {
	kind, err := transport.KindFor(contentType)
	if err != nil {
		return Saved{}, err
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return Saved{}, fmt.Errorf("media: %d bytes exceeds limit of %d", len(data), s.maxBytes)
	}
	name = cleanName(name)
	key := userID + "/" + uuid.NewString() + "_" + name

	url, err := s.store.Put(ctx, key, contentType, data)
	if err != nil {
		return Saved{}, fmt.Errorf("media: store %s: %w", key, err)
	}
	out := Saved{URL: url, Kind: kind, Name: name}

	if kind == message.KindImage {
		thumb, err := Thumbnail(data)
		if err != nil {
			s.log.Warnw("thumbnail skipped", "key", key, "err", err)
			return out, nil
		}
		if turl, err := s.store.Put(ctx, key+"_thumb.jpg", "image/jpeg", thumb); err == nil {
			out.Thumbnail = turl
		} else {
			s.log.Warnw("thumbnail upload failed", "key", key, "err", err)
		}
	}
	return out, nil
}

// Thumbnail scales an image to ThumbnailWidth and encodes it as JPEG.
func Thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(img, ThumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
