package artifact

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
)

// Format enumerates the package formats a build can produce.
type Format string

const (
	// FormatArchive is a zip archive of the filtered build tree, the
	// format consumed by function targets.
	FormatArchive Format = "archive"
	// FormatImage is a container image produced by an external
	// builder, the format consumed by cluster release targets.
	FormatImage Format = "image"
)

func (f Format) String() string {
	return string(f)
}

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatArchive:
		return FormatArchive, nil
	case FormatImage:
		return FormatImage, nil
	}
	return "", fmt.Errorf("unknown artifact format %q", s)
}

// Source records where the packaged tree came from, as far as that
// can be established. Either field may be empty when the source
// directory is not a git work tree.
type Source struct {
	Revision string `json:"revision,omitempty"`
	Origin   string `json:"origin,omitempty"`
}

// Artifact is the result of a packaging run. For FormatArchive, Path
// names the zip file on local disk and Digest covers its bytes. For
// FormatImage, ImageRef names the image the builder produced and
// Digest is the image digest when the builder reported one.
type Artifact struct {
	Name     string        `json:"name"`
	Format   Format        `json:"format"`
	Path     string        `json:"path,omitempty"`
	ImageRef string        `json:"imageRef,omitempty"`
	Digest   digest.Digest `json:"digest,omitempty"`
	Size     int64         `json:"size"`
	// Runtime is the runtime the package was built for, e.g.
	// "python3.11". Informational; the target's configuration decides
	// what actually runs.
	Runtime string `json:"runtime,omitempty"`
	// RunID identifies the CI run or daemon job that produced the
	// package, so a stored object can be traced back to its build.
	RunID     string    `json:"runID,omitempty"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// DigestFile computes the canonical digest of the file at path, and
// reports its size. Stores use this to decide whether an upload can
// be skipped.
func DigestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), n, nil
}
