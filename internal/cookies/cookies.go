// Package cookies materialises the extraction engine's cookie jar from the
// environment.
package cookies

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/dustin/go-humanize"
)

const filePerm = 0o600

// Ensure writes the base64-encoded cookie jar to path unless a file already
// exists there. It reports whether a cookie file is available afterwards.
func Ensure(ctx context.Context, path, encoded string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("path", path)

	if path == "" {
		return false, nil
	}

	if _, err := os.Stat(path); err == nil {
		logger.InfoContext(ctx, "found cookie file")

		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat cookie file: %w", err)
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		logger.InfoContext(ctx, "no cookie file configured")

		return false, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("failed to decode cookies: %w", err)
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return false, fmt.Errorf("failed to write cookie file: %w", err)
	}

	logger.InfoContext(ctx, "created cookie file from environment", "size", humanize.Bytes(uint64(len(data))))

	return true, nil
}
