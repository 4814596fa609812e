package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	maxPayloadBytes = 8 * 1024 * 1024
	maxPayloadFiles = 256
)

// materializePayload writes the submitted source into the workspace under the
// profile's non-root identity. Paths are confined to the workspace; traversal
// and absolute paths are rejected before anything is written.
func materializePayload(ctx context.Context, dir string, p Payload, uid, gid int, defaultName string) error {
	if len(p.Bundle) > 0 {
		if err := extractBundle(dir, p.Bundle); err != nil {
			return err
		}
	}

	if len(p.Files) > maxPayloadFiles {
		return appErr.New(appErr.PayloadTooLarge).WithDetail("files", len(p.Files))
	}
	var total int64
	for i, f := range p.Files {
		name := f.Path
		if name == "" {
			if i > 0 {
				return appErr.ValidationError("files", "file path is required")
			}
			name = defaultName
		}
		rel, err := securePath(dir, name)
		if err != nil {
			return err
		}
		total += int64(len(f.Content))
		if total > maxPayloadBytes {
			return appErr.New(appErr.PayloadTooLarge).WithDetail("bytes", total)
		}
		if err := os.MkdirAll(filepath.Dir(rel), 0755); err != nil {
			return appErr.Wrapf(err, appErr.SandboxCreateFailed, "create payload dir failed")
		}
		if err := os.WriteFile(rel, []byte(f.Content), 0644); err != nil {
			return appErr.Wrapf(err, appErr.SandboxCreateFailed, "write source file failed")
		}
	}

	chownTree(ctx, dir, uid, gid)
	return nil
}

// extractBundle unpacks a zstd-compressed tar into the workspace. The decoder
// is capped at the payload limit so a high-ratio bundle is rejected before it
// materializes in daemon memory.
func extractBundle(dir string, bundle []byte) error {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadBytes))
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(bundle, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return appErr.New(appErr.PayloadTooLarge).WithDetail("limit_bytes", maxPayloadBytes)
		}
		return appErr.Wrapf(err, appErr.BundleInvalid, "decompress bundle failed")
	}

	tr := tar.NewReader(bytes.NewReader(raw))
	count := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.BundleInvalid, "read bundle entry failed")
		}
		count++
		if count > maxPayloadFiles {
			return appErr.New(appErr.PayloadTooLarge).WithDetail("files", count)
		}
		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.SandboxCreateFailed, "create bundle dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.SandboxCreateFailed, "create bundle dir failed")
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return appErr.Wrapf(err, appErr.SandboxCreateFailed, "create bundle file failed")
			}
			if _, err := io.CopyN(file, tr, maxPayloadBytes); err != nil && !errors.Is(err, io.EOF) {
				_ = file.Close()
				return appErr.Wrapf(err, appErr.BundleInvalid, "write bundle file failed")
			}
			if err := file.Close(); err != nil {
				return appErr.Wrapf(err, appErr.SandboxCreateFailed, "close bundle file failed")
			}
		default:
			// Symlinks and devices are not legitimate submission content.
			return appErr.New(appErr.BundleInvalid).WithDetail("entry", hdr.Name)
		}
	}
}

// securePath resolves name inside dir and rejects escapes.
func securePath(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", appErr.ValidationError("path", "must be relative: "+name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", appErr.ValidationError("path", "escapes workspace: "+name)
	}
	return filepath.Join(dir, clean), nil
}

// chownTree hands the workspace to the profile identity. Best effort: when
// the daemon runs unprivileged (dev mode) the user namespace mapping covers
// identity instead.
func chownTree(ctx context.Context, dir string, uid, gid int) {
	err := filepath.WalkDir(dir, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
	if err != nil {
		logger.Warn(ctx, "chown workspace failed", zap.String("dir", dir), zap.Error(err))
	}
}
