package sandbox

import (
	"archive/tar"
	"errors"
	"io"
	"regexp"
	"strings"
)

// maxOutputBytes caps captured stdout/stderr.
const maxOutputBytes = 64 * 1024

// maxOutputFilesBytes caps the total size of the /output archive.
const maxOutputFilesBytes = 32 * 1024 * 1024

const truncationMarker = "\n... [truncated at 64 KB]\n"

// ansiEscapeRe matches CSI escape sequences (colours, cursor movement).
var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeOutput strips ANSI escape sequences and C0/DEL control
// characters from container output. Newlines, carriage returns, and tabs
// are preserved since they carry meaningful formatting.
func sanitizeOutput(raw string) string {
	text := ansiEscapeRe.ReplaceAllString(raw, "")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncateOutput cuts data to maxOutputBytes, appending a visible marker
// when anything was dropped.
func truncateOutput(data []byte) []byte {
	if len(data) <= maxOutputBytes {
		return data
	}
	truncated := make([]byte, 0, maxOutputBytes+len(truncationMarker))
	truncated = append(truncated, data[:maxOutputBytes]...)
	return append(truncated, truncationMarker...)
}

// unsafeArchivePath reports whether a tar member or input file name could
// escape its directory: absolute paths and any ".." component are
// rejected.
func unsafeArchivePath(name string) bool {
	if strings.HasPrefix(name, "/") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// extractOutputArchive reads the tar stream produced by copying /output
// from a container and returns artifact name -> content. Non-regular
// files and suspicious paths are skipped, and the leading "output/"
// component is stripped from retained names.
func extractOutputArchive(r io.Reader) (map[string][]byte, error) {
	files := map[string][]byte{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A partial archive (e.g. the 32 MiB cap cut the stream)
			// still yields the files read so far.
			return files, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if unsafeArchivePath(hdr.Name) {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return files, err
		}
		name := strings.TrimPrefix(hdr.Name, "output/")
		if name == "" {
			continue
		}
		files[name] = content
	}
	return files, nil
}
