package layers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"motionbrush/internal/pathextract"
)

// Surface names used in errors and logs.
const (
	SurfaceDynamic = "dynamic"
	SurfaceStatic  = "static"
	SurfacePath    = "path"
)

// maxDownload caps remote image fetches.
const maxDownload = 64 << 20

// MissingLayerError reports a painting surface that returned no drawable layer.
type MissingLayerError struct {
	Surface string
}

func (e *MissingLayerError) Error() string {
	return fmt.Sprintf("%s surface: %v", e.Surface, pathextract.ErrMissingLayer)
}

func (e *MissingLayerError) Unwrap() error {
	return pathextract.ErrMissingLayer
}

// Surface is the value produced by one image editor: a background plus the
// layers painted over it, in editor order.
type Surface struct {
	Name       string
	Background image.Image
	Layers     []image.Image
}

// Primary returns the first drawable layer.
func (s Surface) Primary() (image.Image, error) {
	if len(s.Layers) == 0 || s.Layers[0] == nil {
		return nil, &MissingLayerError{Surface: s.Name}
	}
	return s.Layers[0], nil
}

// Set groups the three editors used to build a motion-brush request.
type Set struct {
	Dynamic Surface
	Static  Surface
	Path    Surface
}

// NewSet builds a Set from single layers. A nil image yields a surface with
// no layers.
func NewSet(dynamic, static, path image.Image) Set {
	wrap := func(name string, img image.Image) Surface {
		s := Surface{Name: name}
		if img != nil {
			s.Layers = []image.Image{img}
		}
		return s
	}
	return Set{
		Dynamic: wrap(SurfaceDynamic, dynamic),
		Static:  wrap(SurfaceStatic, static),
		Path:    wrap(SurfacePath, path),
	}
}

// Resolved holds the primary layer of each surface.
type Resolved struct {
	Dynamic image.Image
	Static  image.Image
	Path    image.Image
}

// Resolve fetches the primary layer of every surface. The static surface is
// optional; the others fail with *MissingLayerError.
func (s Set) Resolve() (Resolved, error) {
	var r Resolved
	var err error
	if r.Dynamic, err = s.Dynamic.Primary(); err != nil {
		return Resolved{}, err
	}
	if r.Path, err = s.Path.Primary(); err != nil {
		return Resolved{}, err
	}
	if st, err := s.Static.Primary(); err == nil {
		r.Static = st
	}
	return r, nil
}

// Decode reads any registered image format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// LoadFile decodes the image at path.
func LoadFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Load decodes ref from an http(s) URL or a local file.
func Load(ctx context.Context, client *http.Client, ref string) (image.Image, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return LoadURL(ctx, client, ref)
	}
	return LoadFile(ref)
}

// LoadURL downloads and decodes a remote image.
func LoadURL(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	img, _, err := Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return img, nil
}
