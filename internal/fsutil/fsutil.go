package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layer kinds recognised in file names such as "scene.path.png".
const (
	KindPath      = "path"
	KindDynamic   = "dynamic"
	KindStatic    = "static"
	KindComposite = "composite"
)

var imageExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// LayerSet names the files that make up one motion-brush drawing. Dynamic
// and Static are empty when no sibling exists.
type LayerSet struct {
	Base    string `json:"base"`
	Path    string `json:"path"`
	Dynamic string `json:"dynamic,omitempty"`
	Static  string `json:"static,omitempty"`
}

// Complete reports whether the set has the layers extraction requires.
func (s LayerSet) Complete() bool {
	return s.Path != "" && s.Dynamic != ""
}

// CompositePath is where the rendered mask for this set is written.
func (s LayerSet) CompositePath() string {
	return s.Base + "." + KindComposite + ".png"
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// LayerKind splits "dir/scene.dynamic.png" into ("dir/scene", "dynamic").
// ok is false for files that are not input layers.
func LayerKind(path string) (base, kind string, ok bool) {
	if !IsImageFile(path) {
		return "", "", false
	}
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	ext := filepath.Ext(stem)
	switch kind = strings.ToLower(strings.TrimPrefix(ext, ".")); kind {
	case KindPath, KindDynamic, KindStatic:
		return strings.TrimSuffix(stem, ext), kind, true
	default:
		return "", "", false
	}
}

// ListImages returns all image-like files under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func candidates(base, kind string) []string {
	exts := make([]string, 0, len(imageExts))
	for ext := range imageExts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	// png first, it is what the editors export.
	paths := []string{base + "." + kind + ".png"}
	for _, ext := range exts {
		if ext != ".png" {
			paths = append(paths, base+"."+kind+ext)
		}
	}
	return paths
}

// Siblings resolves the layer set that any one of its files belongs to.
func Siblings(layerPath string) (LayerSet, bool) {
	base, _, ok := LayerKind(layerPath)
	if !ok {
		return LayerSet{}, false
	}
	return LayerSet{
		Base:    base,
		Path:    FirstExisting(candidates(base, KindPath)...),
		Dynamic: FirstExisting(candidates(base, KindDynamic)...),
		Static:  FirstExisting(candidates(base, KindStatic)...),
	}, true
}

// ScanLayerSets walks root and groups layer files by drawing. Sets without a
// path layer are omitted.
func ScanLayerSets(root string) ([]LayerSet, error) {
	files, err := ListImages(root)
	if err != nil {
		return nil, err
	}
	sets := map[string]*LayerSet{}
	for _, f := range files {
		base, kind, ok := LayerKind(f)
		if !ok {
			continue
		}
		s, seen := sets[base]
		if !seen {
			s = &LayerSet{Base: base}
			sets[base] = s
		}
		switch kind {
		case KindPath:
			s.Path = f
		case KindDynamic:
			s.Dynamic = f
		case KindStatic:
			s.Static = f
		}
	}

	out := make([]LayerSet, 0, len(sets))
	for _, s := range sets {
		if s.Path != "" {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}
