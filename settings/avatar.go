package settings

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

const maxAvatarSizeBytes int64 = 5 * 1024 * 1024

// Avatars are downscaled to this width before upload; height follows the
// aspect ratio.
const avatarMaxDimension = 256

var avatarMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ErrInvalidAvatar marks client-side upload problems (bad base64, wrong
// type, oversize) so the handler can answer 400 instead of 500.
var ErrInvalidAvatar = errors.New("invalid avatar upload")

// AvatarUpload carries a base64 image, with or without a data-URI prefix.
type AvatarUpload struct {
	ImageData string `json:"image_data"`
}

// UpdateAvatar validates and downscales the image, uploads it and points
// the profile at the new access URL.
func (s *Service) UpdateAvatar(ctx context.Context, userID string, input *AvatarUpload) (*models.Profile, error) {
	if s.storage == nil {
		return nil, ErrStorageNotConfigured
	}

	data, err := decodeAvatarImage(input.ImageData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAvatar, err)
	}
	if int64(len(data)) > maxAvatarSizeBytes {
		return nil, fmt.Errorf("%w: image exceeds the 5MB limit", ErrInvalidAvatar)
	}
	mimeType := http.DetectContentType(data)
	if !avatarMimeTypes[mimeType] {
		return nil, fmt.Errorf("%w: unsupported image type %s", ErrInvalidAvatar, mimeType)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAvatar, err)
	}
	avatar := imaging.Resize(img, avatarMaxDimension, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, avatar, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}

	objectKey := utils.GenerateObjectKey("avatars/"+userID, ".jpg")
	if err := s.storage.Upload(ctx, objectKey, buf.Bytes(), "image/jpeg"); err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}

	profile, err := s.profiles.UpdateAvatar(ctx, s.storage.AccessURL(objectKey))
	if err != nil {
		return nil, fmt.Errorf("store avatar url: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"object_key": objectKey,
	}).Info("avatar updated")
	return profile, nil
}

func decodeAvatarImage(imageData string) ([]byte, error) {
	raw := strings.TrimSpace(imageData)
	if raw == "" {
		return nil, errors.New("image_data is required")
	}
	// Frontends commonly send canvas output as a data URI.
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ";base64,")
		if idx < 0 {
			return nil, errors.New("data uri must be base64 encoded")
		}
		raw = raw[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %v", err)
	}
	return data, nil
}
