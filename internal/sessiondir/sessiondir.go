// Package sessiondir discovers pi session logs under a root directory and
// derives lightweight listing metadata from them. It holds no cache and no
// state: every List call re-scans the filesystem, so entries are never stale
// and the package needs no locking.
//
// Cost is bounded per file: a small header read, a bounded tail read, and
// only in rare fallback cases a sequential pass over the whole log.
package sessiondir

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// headerWindow bounds the read used to locate the session header line.
	headerWindow = 64 << 10
	// tailWindow bounds the read used to find recent message timestamps
	// and the latest rename.
	tailWindow = 256 << 10
	// titleMaxLen caps a title derived from the first user message.
	titleMaxLen = 80
	// titleScanLines caps the first-user-message scan on pathological files.
	titleScanLines = 2000
	// maxLineSize is the scanner buffer ceiling; tool output lines get big.
	maxLineSize = 4 << 20
)

// Entry is the read-only projection of one session log file.
type Entry struct {
	SessionID   string `json:"sessionId"`
	Cwd         string `json:"cwd"`
	Title       string `json:"title"`
	UpdatedAt   string `json:"updatedAt"`
	SessionFile string `json:"sessionFile"`
}

// Directory lists session logs under a fixed root.
type Directory struct {
	root string
	log  *slog.Logger
}

func New(root string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{root: root, log: logger}
}

func (d *Directory) Root() string { return d.root }

// List scans the root tree and returns one entry per valid session log,
// ordered by UpdatedAt descending. Unknown timestamps sort last. A missing
// root is an empty listing, not an error.
func (d *Directory) List() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if path == d.root {
				return nil
			}
			d.log.Debug("session scan skipping path", "path", path, "error", err)
			return nil
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			return nil
		}
		if entry, ok := d.scanFile(path); ok {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].UpdatedAt, entries[j].UpdatedAt
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a > b
	})
	return entries, nil
}

// FindFile resolves a session id to its log path via a fresh listing.
func (d *Directory) FindFile(sessionID string) (string, bool) {
	entries, err := d.List()
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.SessionID == sessionID {
			return e.SessionFile, true
		}
	}
	return "", false
}

// scanFile extracts one listing entry. Files without a parseable session
// header on the first line are not sessions and are excluded.
func (d *Directory) scanFile(path string) (Entry, bool) {
	f, err := os.Open(path)
	if err != nil {
		d.log.Debug("session scan open failed", "path", path, "error", err)
		return Entry{}, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, false
	}

	header, ok := readHeader(f)
	if !ok || header.id == "" {
		return Entry{}, false
	}

	tailStart, updatedAt, title := scanTail(f, info.Size(), header.timestamp)

	// A rename older than the tail window is only visible to a full pass.
	if title == "" && tailStart > 0 {
		title = lastRenameFullScan(f)
	}
	if title == "" {
		title = firstUserTitle(f)
	}
	if updatedAt == "" {
		updatedAt = info.ModTime().UTC().Format(time.RFC3339)
	}

	return Entry{
		SessionID:   header.id,
		Cwd:         header.cwd,
		Title:       title,
		UpdatedAt:   updatedAt,
		SessionFile: path,
	}, true
}

// readHeader parses the first line within the header window. Anything that
// is not a session record, or a first line longer than the window, excludes
// the file.
func readHeader(f *os.File) (record, bool) {
	buf := make([]byte, headerWindow)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return record{}, false
	}
	buf = buf[:n]
	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	} else if n == headerWindow {
		return record{}, false
	}
	rec, ok := decodeRecord(bytes.TrimSpace(line))
	if !ok || rec.kind != kindHeader {
		return record{}, false
	}
	return rec, true
}

// scanTail reads the trailing window and walks it forward, keeping the most
// recent message timestamp and the most recent rename. Returns the tail's
// byte offset so callers know whether the window covered the whole file.
func scanTail(f *os.File, size int64, headerTS string) (tailStart int64, updatedAt, title string) {
	tailStart = size - tailWindow
	if tailStart < 0 {
		tailStart = 0
	}
	buf := make([]byte, size-tailStart)
	n, err := f.ReadAt(buf, tailStart)
	if n == 0 && err != nil && err != io.EOF {
		return tailStart, "", ""
	}
	buf = buf[:n]

	lines := bytes.Split(buf, []byte{'\n'})
	if tailStart > 0 && len(lines) > 0 && !startsOnLineBoundary(f, tailStart) {
		// The window boundary bisected a record; its tail fragment is
		// not parseable.
		lines = lines[1:]
	}

	var lastMessageTS, lastAnyTS, lastName string
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, ok := decodeRecord(line)
		if !ok {
			continue
		}
		if rec.timestamp != "" {
			lastAnyTS = rec.timestamp
		}
		switch rec.kind {
		case kindMessage:
			if rec.timestamp != "" {
				lastMessageTS = rec.timestamp
			}
		case kindSessionInfo:
			if rec.name != "" {
				lastName = rec.name
			}
		}
	}

	// Message timestamps take precedence over any other record kind.
	updatedAt = lastMessageTS
	if updatedAt == "" {
		updatedAt = lastAnyTS
	}
	if updatedAt == "" {
		updatedAt = headerTS
	}
	return tailStart, updatedAt, lastName
}

// startsOnLineBoundary reports whether the byte before off ends a line, in
// which case the window's first line is a complete record and must be kept.
func startsOnLineBoundary(f *os.File, off int64) bool {
	var b [1]byte
	if _, err := f.ReadAt(b[:], off-1); err != nil {
		return false
	}
	return b[0] == '\n'
}

// lastRenameFullScan is the one unbounded-cost path: a sequential pass over
// the whole log collecting the last rename. Taken only when the tail window
// held no rename for a file larger than the window.
func lastRenameFullScan(f *os.File) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	var name string
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, ok := decodeRecord(line)
		if ok && rec.kind == kindSessionInfo && rec.name != "" {
			name = rec.name
		}
	}
	return name
}

// firstUserTitle derives a title from the first user message, truncated and
// bounded by a line ceiling.
func firstUserTitle(f *os.File) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for i := 0; i < titleScanLines && sc.Scan(); i++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, ok := decodeRecord(line)
		if !ok || rec.kind != kindMessage || rec.role != "user" {
			continue
		}
		if title := truncateTitle(rec.text, titleMaxLen); title != "" {
			return title
		}
	}
	return ""
}

func truncateTitle(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
