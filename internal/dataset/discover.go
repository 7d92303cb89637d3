package dataset

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrNoImages reports an empty dataset directory.
var ErrNoImages = errors.New("dataset: no images found")

// TestImageFolder is excluded from training discovery.
const TestImageFolder = "test_img_folder"

// Item is one training image and its class index.
type Item struct {
	Path  string
	Label int
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// DiscoverImages walks root for images. Each first-level subdirectory is a
// class, numbered in sorted order; images directly under root get label 0
// and no class name. Items are sorted by path.
func DiscoverImages(root string) ([]Item, []string, error) {
	var paths []string
	classSet := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && d.Name() == TestImageFolder {
				return filepath.SkipDir
			}
			return nil
		}
		if !isImage(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		if class := classOf(root, path); class != "" {
			classSet[class] = true
		}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "discover images")
	}
	if len(paths) == 0 {
		return nil, nil, errors.Wrapf(ErrNoImages, "under %s", root)
	}
	slices.Sort(paths)

	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	slices.Sort(classes)
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	items := make([]Item, len(paths))
	for i, p := range paths {
		items[i] = Item{Path: p, Label: index[classOf(root, p)]}
	}
	return items, classes, nil
}

func classOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	dir, _, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found {
		return ""
	}
	return dir
}

// DiscoverTestImages lists the *.jpg then *.png files directly under dir,
// each group sorted by name. A missing directory yields no files.
func DiscoverTestImages(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.jpg", "*.png"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "glob %s", pattern)
		}
		slices.Sort(matches)
		out = append(out, matches...)
	}
	return out, nil
}
