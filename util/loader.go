// Package util loads recorded frames from disk.
package util

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number of the image file, or its position in name order when the
	// name carries no number.
	Frame int
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named "frame-<n>.<ext>" or "<n>.<ext>" are ordered by n, other files by name
// after the numbered ones.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
//   - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading frame directory %s", dir)
	}

	var numbered, named []ImageFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(file.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp", ".webp":
		default:
			continue
		}

		imgPath := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading frame %s", imgPath)
		}

		f := ImageFile{Path: imgPath, Data: data, Frame: -1}
		stem := strings.TrimPrefix(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())), "frame-")
		if n, err := strconv.Atoi(stem); err == nil {
			f.Frame = n
			numbered = append(numbered, f)
		} else {
			named = append(named, f)
		}
	}

	sort.SliceStable(numbered, func(i, j int) bool {
		return numbered[i].Frame < numbered[j].Frame
	})

	// ReadDir returns entries sorted by name.
	next := 0
	if len(numbered) > 0 {
		next = numbered[len(numbered)-1].Frame + 1
	}
	for i := range named {
		named[i].Frame = next + i
	}

	return append(numbered, named...), nil
}

// Decode decodes the file into an image. JPEG, PNG and WebP decode natively; BMP goes
// through OpenCV.
func (f ImageFile) Decode() (image.Image, error) {
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".webp":
		img, err := webp.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", f.Path)
		}
		return img, nil

	case ".bmp":
		mat, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", f.Path)
		}
		defer mat.Close()
		if mat.Empty() {
			return nil, errors.Errorf("decoding %s: empty image", f.Path)
		}
		return mat.ToImage()

	default:
		img, _, err := image.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", f.Path)
		}
		return img, nil
	}
}
