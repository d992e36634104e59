package util

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, dir, name string, encode func(*bytes.Buffer, image.Image) error) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.RGBA{R: uint8(40 * x), G: uint8(60 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o600))
}

func encodePNG(buf *bytes.Buffer, img image.Image) error { return png.Encode(buf, img) }

func encodeWebP(buf *bytes.Buffer, img image.Image) error {
	return webp.Encode(buf, img, &webp.Options{Lossless: true})
}

func TestLoadDirectoryImageFiles(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "frame-10.png", encodePNG)
	writeFrame(t, dir, "frame-2.webp", encodeWebP)
	writeFrame(t, dir, "still.png", encodePNG)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	files, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	var frames []int
	var names []string
	for _, f := range files {
		frames = append(frames, f.Frame)
		names = append(names, filepath.Base(f.Path))
		assert.NotEmpty(t, f.Data)
	}
	assert.Equal(t, []int{2, 10, 11}, frames)
	assert.Equal(t, []string{"frame-2.webp", "frame-10.png", "still.png"}, names)

	for _, f := range files {
		img, err := f.Decode()
		require.NoError(t, err, f.Path)
		assert.Equal(t, image.Pt(6, 4), img.Bounds().Size())

		r, g, _, _ := img.At(5, 3).RGBA()
		assert.Equal(t, uint32(200), r>>8, f.Path)
		assert.Equal(t, uint32(180), g>>8, f.Path)
	}
}

func TestLoadDirectoryImageFiles_Errors(t *testing.T) {
	_, err := LoadDirectoryImageFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = ImageFile{Path: "bad.png", Data: []byte("nope")}.Decode()
	assert.Error(t, err)

	_, err = ImageFile{Path: "bad.webp", Data: []byte("nope")}.Decode()
	assert.Error(t, err)
}
