// Package manuscript loads chapter files from a directory into the store
// and watches that directory for edits.
package manuscript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/store"
)

// chapterNamespace seeds deterministic chapter ids.
var chapterNamespace = uuid.MustParse("6f1c9a52-3f0e-4c1b-9d0a-2b8f5e7c4a10")

var extensions = map[string]bool{".md": true, ".markdown": true, ".txt": true}

// IsChapterFile reports whether path has a chapter file extension.
func IsChapterFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return extensions[strings.ToLower(filepath.Ext(base))]
}

// File is one chapter file read from disk.
type File struct {
	Path    string
	Name    string
	Title   string
	Content string
}

// Scan reads the chapter files directly under dir in natural filename
// order, so "ch2" sorts before "ch10".
func Scan(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manuscript dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsChapterFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })

	files := make([]File, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		content := norm.NFC.String(strings.ReplaceAll(string(raw), "\r\n", "\n"))
		files = append(files, File{Path: path, Name: name, Title: titleFor(name, content), Content: content})
	}
	return files, nil
}

// ChapterID derives a stable id from the project and file name.
func ChapterID(projectID, name string) string {
	return uuid.NewSHA1(chapterNamespace, []byte(projectID+"/"+name)).String()
}

// ImportResult counts what an import did.
type ImportResult struct {
	Added     int             `json:"added"`
	Updated   int             `json:"updated"`
	Unchanged int             `json:"unchanged"`
	Chapters  []store.Chapter `json:"-"`
}

// Import upserts every chapter file in dir into projectID, positioned by
// filename order.
func Import(ctx context.Context, s *store.Store, projectID, dir string, log *logger.Logger) (*ImportResult, error) {
	log = logger.OrNop(log)
	files, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureProject(ctx, projectID, ""); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for i, f := range files {
		ch := store.Chapter{
			ID:         ChapterID(projectID, f.Name),
			ProjectID:  projectID,
			Position:   i + 1,
			Title:      f.Title,
			Content:    f.Content,
			SourcePath: f.Path,
		}
		_, getErr := s.GetChapter(ctx, ch.ID)
		isNew := getErr != nil
		changed, err := s.UpsertChapter(ctx, ch)
		if err != nil {
			return res, err
		}
		switch {
		case isNew:
			res.Added++
		case changed:
			res.Updated++
		default:
			res.Unchanged++
		}
		res.Chapters = append(res.Chapters, ch)
	}
	log.Info("manuscript imported",
		"project_id", projectID, "dir", dir,
		"added", res.Added, "updated", res.Updated, "unchanged", res.Unchanged)
	return res, nil
}

// titleFor takes the first markdown heading, falling back to the file name.
func titleFor(name, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return t
			}
		}
		break
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return ' '
		}
		return r
	}, stem)
	return strings.Join(strings.Fields(stem), " ")
}

// naturalLess compares names treating digit runs as numbers.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ra, rb := rune(a[0]), rune(b[0])
		if unicode.IsDigit(ra) && unicode.IsDigit(rb) {
			na, restA := digitRun(a)
			nb, restB := digitRun(b)
			if na != nb {
				return na < nb
			}
			a, b = restA, restB
			continue
		}
		la, lb := unicode.ToLower(ra), unicode.ToLower(rb)
		if la != lb {
			return la < lb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func digitRun(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}
