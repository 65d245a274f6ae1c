package tools

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// hashline gives every line a short content hash so the model can anchor
// edits without byte-exact line text. Format: <lineno>:<hash>| <content>.

const lineHashLength = 2

// lineHash hashes the whitespace-stripped line, so indentation changes do
// not move the anchor.
func lineHash(content string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])[:lineHashLength]
}

func formatLinesWithHash(lines []string, start int) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		out = append(out, fmt.Sprintf("%d:%s| %s", start+i, lineHash(line), line))
	}
	return out
}

// buildHashIndex maps each hash to every 0-indexed line carrying it.
func buildHashIndex(lines []string) map[string][]int {
	index := map[string][]int{}
	for i, line := range lines {
		h := lineHash(line)
		index[h] = append(index[h], i)
	}
	return index
}

// resolveHash picks the line for a hash. With multiple candidates the one
// closest to hint (0-indexed, -1 for none) wins.
func resolveHash(hash string, index map[string][]int, hint int) (int, bool) {
	candidates := index[hash]
	if len(candidates) == 0 {
		return 0, false
	}
	if len(candidates) == 1 || hint < 0 {
		return candidates[0], true
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if abs(candidate-hint) < abs(best-hint) {
			best = candidate
		}
	}
	return best, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// readTracker records which files file_read has served and at which mtime.
// hashline_edit refuses to touch a file that was never read, or that
// changed after the last read, so edits always anchor on fresh hashes.
type readTracker struct {
	mu    sync.Mutex
	reads map[string]time.Time
}

func newReadTracker() *readTracker {
	return &readTracker{reads: make(map[string]time.Time)}
}

func (t *readTracker) record(path string, mtime time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[path] = mtime
}

func (t *readTracker) invalidate(path string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reads, path)
}

// checkEditAllowed returns a denial reason, or "" when the edit may go
// ahead. A nil tracker allows everything.
func (t *readTracker) checkEditAllowed(path string) string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	recorded, ok := t.reads[path]
	t.mu.Unlock()
	if !ok {
		return fmt.Sprintf("file %s must be read with file_read before editing", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("cannot stat %s: %v", path, err)
	}
	if !info.ModTime().Equal(recorded) {
		return fmt.Sprintf("file %s changed since the last file_read, read it again", path)
	}
	return ""
}
