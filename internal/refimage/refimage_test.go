package refimage

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/cloudinary"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 200})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeUploader struct {
	publicID string
	err      error
}

func (f *fakeUploader) UploadBytes(_ context.Context, _ []byte, _, publicID string) (*cloudinary.UploadResult, error) {
	f.publicID = publicID
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://cdn.example/" + publicID + ".png"}, nil
}

func TestSaveInlineRoundTrip(t *testing.T) {
	r := New(nil, nil)
	data := pngBytes(t)

	ref, err := r.Save(context.Background(), "u1", data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "data:image/png;base64,"))

	got, err := r.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSaveUploads(t *testing.T) {
	up := &fakeUploader{}
	r := New(up, nil)

	ref, err := r.Save(context.Background(), "u1", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/ref_u1.png", ref)
	assert.Equal(t, "ref_u1", up.publicID)

	up.err = errors.New("quota")
	_, err = r.Save(context.Background(), "u1", pngBytes(t))
	assert.Error(t, err)
}

func TestSaveRejectsNonImages(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Save(context.Background(), "u1", []byte("hello, plain text"))
	assert.ErrorIs(t, err, ErrRejected)
	_, err = r.Save(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

// oversizedPNG declares 20000x20000 pixels in a few dozen bytes.
func oversizedPNG() []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.WriteString(typ)
		buf.Write(data)
		_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte(typ), data...)))
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 20000)
	binary.BigEndian.PutUint32(ihdr[4:8], 20000)
	ihdr[8], ihdr[9] = 8, 6
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestSaveRejectsUndecodableImages(t *testing.T) {
	up := &fakeUploader{}
	r := New(up, nil)

	_, err := r.Save(context.Background(), "u1", oversizedPNG())
	assert.ErrorIs(t, err, ErrRejected)

	// sniffs as image/png but carries no image
	_, err = r.Save(context.Background(), "u1", []byte("\x89PNG\r\n\x1a\ntruncated"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, up.publicID, "nothing is uploaded")
}

func TestLoadFetchesURL(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ref.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	r := New(nil, srv.Client())
	got, err := r.Load(context.Background(), srv.URL+"/ref.png")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = r.Load(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)
}

func TestDecodeDataURL(t *testing.T) {
	_, err := DecodeDataURL("data:image/png,notbase64")
	assert.Error(t, err)
	_, err = DecodeDataURL("%%%")
	assert.Error(t, err)

	got, err := DecodeDataURL("aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)

	_, err = New(nil, nil).Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmpty)
}
