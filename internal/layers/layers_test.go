package layers

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionbrush/internal/pathextract"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestResolveMissingRequiredLayers(t *testing.T) {
	layer := solid(2, 2, color.White)

	_, err := NewSet(nil, nil, layer).Resolve()
	var missing *MissingLayerError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, SurfaceDynamic, missing.Surface)
	assert.True(t, errors.Is(err, pathextract.ErrMissingLayer))

	_, err = NewSet(layer, nil, nil).Resolve()
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, SurfacePath, missing.Surface)
}

func TestResolveStaticOptional(t *testing.T) {
	layer := solid(2, 2, color.White)
	r, err := NewSet(layer, nil, layer).Resolve()
	require.NoError(t, err)
	assert.Nil(t, r.Static)
	assert.NotNil(t, r.Dynamic)
	assert.NotNil(t, r.Path)
}

func TestPrimaryRejectsNilFirstLayer(t *testing.T) {
	s := Surface{Name: SurfacePath, Layers: []image.Image{nil}}
	_, err := s.Primary()
	assert.ErrorIs(t, err, pathextract.ErrMissingLayer)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, encode(t, solid(3, 2, color.White)), 0644))

	img, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	_, err = LoadFile(filepath.Join(dir, "nope.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadURL(t *testing.T) {
	body := encode(t, solid(4, 4, color.Black))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	img, err := LoadURL(context.Background(), srv.Client(), srv.URL+"/bg.png")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, err = LoadURL(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestLoadDispatchesOnScheme(t *testing.T) {
	body := encode(t, solid(5, 2, color.White))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	remote, err := Load(context.Background(), srv.Client(), srv.URL+"/layer.png")
	require.NoError(t, err)
	assert.Equal(t, 5, remote.Bounds().Dx())

	path := filepath.Join(t.TempDir(), "layer.png")
	require.NoError(t, os.WriteFile(path, body, 0644))
	local, err := Load(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Equal(t, remote.Bounds(), local.Bounds())
}
