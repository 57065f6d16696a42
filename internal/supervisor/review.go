package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFilenameComponent(value string) string {
	return strings.Trim(unsafeFilenameRe.ReplaceAllString(value, "_"), "_")
}

// writeReviewArtifact persists one review output as a markdown file in dir
// and returns its path.
func writeReviewArtifact(dir, threadID, reviewID, label, body string) (string, error) {
	if dir == "" {
		dir = "."
	}
	safeThread := sanitizeFilenameComponent(threadID)
	if safeThread == "" {
		safeThread = "thread"
	}
	safeReview := sanitizeFilenameComponent(reviewID)
	if safeReview == "" {
		safeReview = "review"
	}
	now := time.Now()
	filename := fmt.Sprintf("review-%s-%s-%s.md", safeThread, safeReview, now.Format("20060102-150405"))
	path := filepath.Join(dir, filename)

	var out strings.Builder
	out.WriteString("# Review Output\n")
	fmt.Fprintf(&out, "Thread: %s\n", threadID)
	if reviewID != "" {
		fmt.Fprintf(&out, "Review ID: %s\n", reviewID)
	}
	if label != "" {
		fmt.Fprintf(&out, "Label: %s\n", label)
	}
	fmt.Fprintf(&out, "Timestamp: %s\n", now.Format("2006-01-02 15:04:05 -0700"))
	out.WriteString("\n")
	out.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		out.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(out.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}
