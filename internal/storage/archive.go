// Package storage names raw documents in the archive. Backends live in the
// gcs, local and memory subpackages and all satisfy ingest.BlobStore.
package storage

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectPath builds the archive key for a fetched document:
// {prefix}/{job type}/{yyyy/mm/dd}/job-{id}/{host}/{slug}{ext}.
func ObjectPath(prefix, jobType string, jobID int64, rawURL, contentType string, at time.Time) string {
	host, slug := "unknown", "index"
	if u, err := url.Parse(rawURL); err == nil {
		if u.Host != "" {
			host = u.Host
		}
		if p := strings.Trim(u.Path, "/"); p != "" {
			slug = strings.ReplaceAll(p, "/", "_")
		}
	}
	slug = unsafeSegment.ReplaceAllString(slug, "-")
	if path.Ext(slug) == "" {
		slug += extension(contentType)
	}
	parts := []string{
		jobType,
		at.UTC().Format("2006/01/02"),
		fmt.Sprintf("job-%d", jobID),
		unsafeSegment.ReplaceAllString(host, "-"),
		slug,
	}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

func extension(contentType string) string {
	switch {
	case strings.Contains(contentType, "pdf"):
		return ".pdf"
	case strings.Contains(contentType, "html"):
		return ".html"
	case strings.Contains(contentType, "json"):
		return ".json"
	default:
		return ".bin"
	}
}
