// Package files classifies job files and lists them by category.
package files

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"distributed-distort/internal/domain"

	"github.com/gabriel-vasile/mimetype"
)

// Category is the kind of content a file holds.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryText
	CategoryAudio
	CategoryImage
)

func (c Category) String() string {
	switch c {
	case CategoryText:
		return "text"
	case CategoryAudio:
		return "audio"
	case CategoryImage:
		return "image"
	default:
		return "unknown"
	}
}

var extensions = map[string]Category{
	".txt":  CategoryText,
	".md":   CategoryText,
	".csv":  CategoryText,
	".log":  CategoryText,
	".wav":  CategoryAudio,
	".mp3":  CategoryAudio,
	".flac": CategoryAudio,
	".ogg":  CategoryAudio,
	".png":  CategoryImage,
	".jpg":  CategoryImage,
	".jpeg": CategoryImage,
	".bmp":  CategoryImage,
	".gif":  CategoryImage,
}

// Classify returns the category of name by its extension.
func Classify(name string) Category {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// ClassifyFile classifies by extension and falls back to sniffing the content.
func ClassifyFile(path string) Category {
	if c := Classify(path); c != CategoryUnknown {
		return c
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return CategoryUnknown
	}
	return fromMIME(mt)
}

func fromMIME(mt *mimetype.MIME) Category {
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "audio/"):
			return CategoryAudio
		case strings.HasPrefix(m.String(), "image/"):
			return CategoryImage
		case m.Is("text/plain"):
			return CategoryText
		}
	}
	return CategoryUnknown
}

// WorkerType maps a category to the worker type that handles it.
// ok is false for CategoryUnknown.
func WorkerType(c Category) (wt domain.WorkerType, ok bool) {
	switch c {
	case CategoryText:
		return domain.WorkerTypeText, true
	case CategoryAudio, CategoryImage:
		return domain.WorkerTypeMedia, true
	default:
		return "", false
	}
}

// IsMediaContainer sniffs the file content and reports whether it is audio or image
// data of the expected category.
func IsMediaContainer(path string, want Category) bool {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return fromMIME(mt) == want
}

// List returns the regular files in dir of the given category, sorted by name.
func List(dir string, c Category) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && Classify(e.Name()) == c {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
