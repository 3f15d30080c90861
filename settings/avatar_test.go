package settings

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestUpdateAvatarResizesAndUploads(t *testing.T) {
	storage := newFakeStorage()
	service, _, _ := newTestSettings(storage)
	ctx := identityContext("user-a")

	encoded := base64.StdEncoding.EncodeToString(testPNG(t, 512, 512))
	profile, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: encoded})
	if err != nil {
		t.Fatalf("update avatar: %v", err)
	}

	if len(storage.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(storage.uploads))
	}
	var objectKey string
	for key := range storage.uploads {
		objectKey = key
	}
	if !strings.HasPrefix(objectKey, "avatars/user-a/") || !strings.HasSuffix(objectKey, ".jpg") {
		t.Fatalf("unexpected object key %q", objectKey)
	}
	if storage.types[objectKey] != "image/jpeg" {
		t.Fatalf("unexpected content type %q", storage.types[objectKey])
	}
	if profile.AvatarURL != "https://cdn.test/"+objectKey {
		t.Fatalf("unexpected avatar url %q", profile.AvatarURL)
	}

	uploaded, err := imaging.Decode(bytes.NewReader(storage.uploads[objectKey]))
	if err != nil {
		t.Fatalf("decode uploaded avatar: %v", err)
	}
	if uploaded.Bounds().Dx() != 256 {
		t.Fatalf("expected avatar width 256, got %d", uploaded.Bounds().Dx())
	}
}

func TestUpdateAvatarAcceptsDataURI(t *testing.T) {
	storage := newFakeStorage()
	service, _, _ := newTestSettings(storage)
	ctx := identityContext("user-a")

	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t, 64, 64))
	if _, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: encoded}); err != nil {
		t.Fatalf("update avatar: %v", err)
	}
	if len(storage.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(storage.uploads))
	}
}

func TestUpdateAvatarRejectsNonImage(t *testing.T) {
	service, _, _ := newTestSettings(newFakeStorage())
	ctx := identityContext("user-a")

	encoded := base64.StdEncoding.EncodeToString([]byte("definitely not an image"))
	_, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: encoded})
	if !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("expected ErrInvalidAvatar, got %v", err)
	}
}

func TestUpdateAvatarRejectsGarbageBase64(t *testing.T) {
	service, _, _ := newTestSettings(newFakeStorage())
	ctx := identityContext("user-a")

	_, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: "%%% not base64 %%%"})
	if !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("expected ErrInvalidAvatar, got %v", err)
	}
}

func TestUpdateAvatarRejectsOversizeImage(t *testing.T) {
	service, _, _ := newTestSettings(newFakeStorage())
	ctx := identityContext("user-a")

	oversize := make([]byte, maxAvatarSizeBytes+1)
	encoded := base64.StdEncoding.EncodeToString(oversize)
	_, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: encoded})
	if !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("expected ErrInvalidAvatar, got %v", err)
	}
	if !strings.Contains(err.Error(), "5MB") {
		t.Fatalf("expected a size limit error, got %v", err)
	}
}

func TestUpdateAvatarWithoutStorage(t *testing.T) {
	service, _, _ := newTestSettings(nil)
	ctx := identityContext("user-a")

	encoded := base64.StdEncoding.EncodeToString(testPNG(t, 64, 64))
	_, err := service.UpdateAvatar(ctx, "user-a", &AvatarUpload{ImageData: encoded})
	if !errors.Is(err, ErrStorageNotConfigured) {
		t.Fatalf("expected ErrStorageNotConfigured, got %v", err)
	}
}
