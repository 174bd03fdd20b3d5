package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	sniffLength      = 3072
	blobRoutePrefix  = "/blobs/"
	tokenQueryParam  = "token"
	tempFilePattern  = ".upload-*"
	blobDirectoryMod = 0o750
)

var (
	errMissingRoot    = errors.New("blobstore: root directory required")
	errMissingSigner  = errors.New("blobstore: url signer required")
	errMissingBaseURL = errors.New("blobstore: public base url required")
)

// FilesystemConfig configures a FilesystemStore.
type FilesystemConfig struct {
	Root          string
	PublicBaseURL string
	Signer        *URLSigner
	Logger        *zap.Logger
}

// FilesystemStore keeps blobs under a local directory and hands out URLs that point
// back at this service's /blobs routes.
type FilesystemStore struct {
	root    string
	baseURL string
	signer  *URLSigner
	logger  *zap.Logger
}

// NewFilesystemStore creates the root directory when missing.
func NewFilesystemStore(cfg FilesystemConfig) (*FilesystemStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errMissingRoot
	}
	if cfg.Signer == nil {
		return nil, errMissingSigner
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(root, blobDirectoryMod); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesystemStore{root: root, baseURL: baseURL, signer: cfg.Signer, logger: logger}, nil
}

// Signer exposes the signer so the HTTP layer can verify tokens on /blobs.
func (s *FilesystemStore) Signer() *URLSigner {
	return s.signer
}

func (s *FilesystemStore) SignedUploadURL(_ context.Context, key string, maxBytes int64, ttl time.Duration) (SignedURL, error) {
	return s.signedURL(key, PurposeWrite, maxBytes, ttl)
}

func (s *FilesystemStore) SignedReadURL(_ context.Context, key string, ttl time.Duration) (SignedURL, error) {
	return s.signedURL(key, PurposeRead, 0, ttl)
}

func (s *FilesystemStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, SizeBytes: info.Size()}, nil
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Put stores the body under key. Keys are write-once. Bodies larger than maxBytes and
// executables are rejected and leave nothing behind.
func (s *FilesystemStore) Put(ctx context.Context, key string, body io.Reader, maxBytes int64) (ObjectInfo, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if _, err := os.Lstat(fullPath); err == nil {
		return ObjectInfo{}, ErrObjectExists
	}

	head := make([]byte, sniffLength)
	headLength, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ObjectInfo{}, err
	}
	head = head[:headLength]
	detected := mimetype.Detect(head)
	if isExecutable(detected) {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrForbiddenContent, detected.String())
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), blobDirectoryMod); err != nil {
		return ObjectInfo{}, err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(fullPath), tempFilePattern)
	if err != nil {
		return ObjectInfo{}, err
	}
	tempPath := tempFile.Name()
	defer func() {
		_ = os.Remove(tempPath)
	}()

	reader := io.MultiReader(bytes.NewReader(head), body)
	limited := io.LimitReader(reader, maxBytes+1)
	written, copyErr := io.Copy(tempFile, &contextReader{ctx: ctx, reader: limited})
	closeErr := tempFile.Close()
	if copyErr != nil {
		return ObjectInfo{}, copyErr
	}
	if closeErr != nil {
		return ObjectInfo{}, closeErr
	}
	if written > maxBytes {
		return ObjectInfo{}, ErrObjectTooLarge
	}
	// Link fails on an existing name, so a racing second upload cannot replace the first.
	if err := os.Link(tempPath, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ObjectInfo{}, ErrObjectExists
		}
		return ObjectInfo{}, err
	}

	s.logger.Debug("blob stored",
		zap.String("key", key),
		zap.Int64("size_bytes", written),
		zap.String("detected_mime", detected.String()))
	return ObjectInfo{Key: key, SizeBytes: written, DetectedMIME: detected.String()}, nil
}

// Open returns a reader over the stored blob.
func (s *FilesystemStore) Open(_ context.Context, key string) (*os.File, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return file, err
}

func (s *FilesystemStore) signedURL(key string, purpose Purpose, maxBytes int64, ttl time.Duration) (SignedURL, error) {
	token, expiresAt, err := s.signer.Sign(key, purpose, maxBytes, ttl)
	if err != nil {
		return SignedURL{}, err
	}
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	query := url.Values{}
	query.Set(tokenQueryParam, token)
	return SignedURL{
		URL:       s.baseURL + blobRoutePrefix + strings.Join(segments, "/") + "?" + query.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *FilesystemStore) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.root, filepath.FromSlash(key))
	relative, err := filepath.Rel(s.root, fullPath)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: escapes root", ErrInvalidKey)
	}
	return fullPath, nil
}

func isExecutable(detected *mimetype.MIME) bool {
	for current := detected; current != nil; current = current.Parent() {
		switch current.String() {
		case "application/x-executable",
			"application/x-elf",
			"application/x-sharedlib",
			"application/x-mach-binary",
			"application/vnd.microsoft.portable-executable",
			"application/x-msdownload":
			return true
		}
	}
	return false
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
