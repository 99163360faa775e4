package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"

	"github.com/dyluth/convoy/internal/pack"
	"golang.org/x/sync/errgroup"
)

// ErrUploadConflict is wrapped by ConflictError.
var ErrUploadConflict = errors.New("upload conflict")

// ConflictError reports a versioned path already holding different content.
type ConflictError struct {
	Path     string
	Existing string // SHA256 of the stored object, empty if unknown
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("versioned archive %s already exists with different content (stored %s, new %s)",
		e.Path, shortSum(e.Existing), shortSum(e.Incoming))
}

func (e *ConflictError) Unwrap() error { return ErrUploadConflict }

// UploadOutcome says what happened to one archive.
type UploadOutcome string

const (
	OutcomeUploaded    UploadOutcome = "uploaded"
	OutcomeUnchanged   UploadOutcome = "unchanged" // Identical versioned object already present
	OutcomeOverwritten UploadOutcome = "overwritten"
)

type UploadResult struct {
	Archive pack.Archive
	Key     string
	Outcome UploadOutcome
}

// DefaultConcurrency bounds parallel uploads
const DefaultConcurrency = 8

// Uploader writes archives to an ObjectStore under Prefix.
type Uploader struct {
	Store       ObjectStore
	Prefix      string
	Concurrency int
}

// Key returns the object key for an archive.
func (u *Uploader) Key(a pack.Archive) string {
	if u.Prefix == "" {
		return a.Path()
	}
	return path.Join(u.Prefix, a.Path())
}

// UploadVersioned writes versioned archives without ever overwriting.
// An occupied path holding the same digest counts as already uploaded;
// any other occupant fails the upload with a ConflictError.
func (u *Uploader) UploadVersioned(ctx context.Context, archives []pack.Archive) ([]UploadResult, error) {
	for _, a := range archives {
		if !a.Versioned() {
			return nil, fmt.Errorf("archive %s is not versioned", a.Path())
		}
	}
	return u.uploadAll(ctx, archives, u.putVersioned)
}

// UploadLatest writes "latest" archives, replacing whatever is stored.
func (u *Uploader) UploadLatest(ctx context.Context, archives []pack.Archive) ([]UploadResult, error) {
	for _, a := range archives {
		if a.Versioned() {
			return nil, fmt.Errorf("archive %s is not labelled %s", a.Path(), pack.LatestLabel)
		}
	}
	return u.uploadAll(ctx, archives, u.putLatest)
}

func (u *Uploader) uploadAll(ctx context.Context, archives []pack.Archive, put func(context.Context, pack.Archive) (UploadResult, error)) ([]UploadResult, error) {
	limit := u.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	results := make([]UploadResult, len(archives))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, a := range archives {
		g.Go(func() error {
			res, err := put(gctx, a)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (u *Uploader) putVersioned(ctx context.Context, a pack.Archive) (UploadResult, error) {
	key := u.Key(a)
	res := UploadResult{Archive: a, Key: key}

	info, err := u.Store.Stat(ctx, key)
	switch {
	case err == nil:
		return u.compareExisting(res, info)
	case !errors.Is(err, ErrObjectNotFound):
		return res, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	// Another run may have written the path since the Stat; the store
	// decides atomically.
	err = u.put(ctx, key, a, true)
	if errors.Is(err, ErrObjectExists) {
		info, err := u.Store.Stat(ctx, key)
		if err != nil {
			return res, fmt.Errorf("failed to stat %s: %w", key, err)
		}
		return u.compareExisting(res, info)
	}
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeUploaded
	return res, nil
}

// compareExisting resolves a versioned path that is already occupied.
func (u *Uploader) compareExisting(res UploadResult, info ObjectInfo) (UploadResult, error) {
	if info.SHA256 != "" && info.SHA256 == res.Archive.SHA256 {
		log.Printf("[Upload] %s already present with identical content", res.Key)
		res.Outcome = OutcomeUnchanged
		return res, nil
	}
	return res, &ConflictError{Path: res.Key, Existing: info.SHA256, Incoming: res.Archive.SHA256}
}

func (u *Uploader) putLatest(ctx context.Context, a pack.Archive) (UploadResult, error) {
	key := u.Key(a)
	res := UploadResult{Archive: a, Key: key, Outcome: OutcomeUploaded}

	if _, err := u.Store.Stat(ctx, key); err == nil {
		res.Outcome = OutcomeOverwritten
	}
	if err := u.put(ctx, key, a, false); err != nil {
		return res, err
	}
	return res, nil
}

func (u *Uploader) put(ctx context.Context, key string, a pack.Archive, ifAbsent bool) error {
	f, err := a.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a.LocalPath, err)
	}
	defer f.Close()

	opts := PutOptions{ContentType: a.ContentType(), SHA256: a.SHA256, IfAbsent: ifAbsent}
	if err := u.Store.Put(ctx, key, f, a.Size, opts); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	log.Printf("[Upload] %s (%d bytes)", key, a.Size)
	return nil
}

func shortSum(s string) string {
	if s == "" {
		return "unknown"
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
