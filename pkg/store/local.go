package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/guid"
)

// Local keeps artifacts in a content-addressed directory tree. It
// exists for air-gapped use and for tests; refs it hands out are
// absolute file paths.
type Local struct {
	root   string
	actor  string
	logger log.Logger
}

func NewLocal(logger log.Logger, root, actor string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "creating store root")
	}
	return &Local{root: root, actor: actor, logger: logger}, nil
}

func (s *Local) Put(ctx context.Context, a *artifact.Artifact) (Ref, error) {
	if err := checkStorable(a); err != nil {
		return Ref{}, err
	}

	k := key("", a.Name, a.Digest)
	dest := filepath.Join(s.root, filepath.FromSlash(k))
	ref := Ref{Backend: "local", Key: dest, Digest: a.Digest, Size: a.Size}

	_, statErr := os.Stat(dest)
	reused := statErr == nil
	if !reused {
		if err := copyFile(a.Path, dest); err != nil {
			return Ref{}, &UnavailableError{Backend: "local", Err: err}
		}
	}

	if err := s.writeAudit(k, a, reused); err != nil {
		return Ref{}, errors.Wrap(err, "recording audit entry")
	}
	s.logger.Log("put", a.Name, "digest", a.Digest, "reused", reused)
	return ref, nil
}

func (s *Local) Stat(ctx context.Context, name string, dgst digest.Digest) (Ref, bool, error) {
	dest := filepath.Join(s.root, filepath.FromSlash(key("", name, dgst)))
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return Ref{}, false, nil
	} else if err != nil {
		return Ref{}, false, &UnavailableError{Backend: "local", Err: err}
	}
	return Ref{Backend: "local", Key: dest, Digest: dgst, Size: info.Size()}, true, nil
}

// Get opens a stored package. Local refs carry the absolute path.
func (s *Local) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if ref.Backend != "local" {
		return nil, errors.Errorf("ref names a %q object, not local", ref.Backend)
	}
	f, err := os.Open(ref.Key)
	if os.IsNotExist(err) {
		return nil, errors.Errorf("no stored package at %s", ref)
	} else if err != nil {
		return nil, &UnavailableError{Backend: "local", Err: err}
	}
	return f, nil
}

// Prune removes audit records older than the given time. The stored
// artifacts themselves are left alone.
func (s *Local) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var removed int
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.Contains(p, ".audit") || !strings.HasSuffix(p, ".json") {
			return nil
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Local) writeAudit(objectKey string, a *artifact.Artifact, reused bool) error {
	rec := AuditRecord{
		ID:       guid.New(),
		Actor:    s.actor,
		Artifact: a.Name,
		Digest:   a.Digest,
		Revision: a.Source.Revision,
		RunID:    a.RunID,
		StoredAt: time.Now().UTC(),
		Reused:   reused,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	p := filepath.Join(s.root, filepath.FromSlash(auditKey(objectKey, rec.ID)))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}

func checkStorable(a *artifact.Artifact) error {
	if a.Format != artifact.FormatArchive {
		return errors.Errorf("%s artifacts live in their registry; only archives can be stored", a.Format)
	}
	if a.Path == "" || a.Digest == "" {
		return errors.New("artifact has no package file or digest; package it first")
	}
	return nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
