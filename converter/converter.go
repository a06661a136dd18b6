package converter

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/rpreview/pkg/cache"
	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

const DefaultBinary = "soffice"

type Options struct {
	Dir        string
	MaxSize    int64 // in bytes
	Binary     string
	Timeout    time.Duration
	Extensions rpreview.ExtensionTable
}

// Converter converts word-processing documents to PDF with LibreOffice. Converted files
// are cached on disk: the cache key is derived from the source path, and the cached file
// is reused while it is not older than the source.
type Converter struct {
	cache      *cache.DiskCache
	cleaner    *cache.Cleaner
	extensions rpreview.ExtensionTable
	timeout    time.Duration

	convertFn func(ctx context.Context, source, outDir string) error

	group singleflight.Group
}

// CheckDeps checks whether the conversion tool is installed.
func CheckDeps(binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s is not installed: %w", binary, err)
	}
	return nil
}

func NewConverter(opts Options) (*Converter, error) {
	diskCache, err := cache.NewDiskCache(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare disk cache: %w", err)
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}

	return &Converter{
		cache:      diskCache,
		cleaner:    cache.NewCleaner(diskCache.Dir(), opts.MaxSize),
		extensions: opts.Extensions,
		timeout:    opts.Timeout,
		convertFn:  newLibreOfficeConvertFn(opts.Binary),
	}, nil
}

// Convert returns the path of a PDF version of the passed document. All errors wrap
// [rpreview.ErrNotConverted]. Documents of other types are rejected without touching
// the cache.
//
// Concurrent calls for the same document share a single conversion.
func (c *Converter) Convert(ctx context.Context, source string) (string, error) {
	if !c.extensions.IsWordProcessing(source) {
		return "", fmt.Errorf("%w: %q is not a word-processing document", rpreview.ErrNotConverted, source)
	}

	absSource, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("%w: couldn't get absolute path: %w", rpreview.ErrNotConverted, err)
	}
	if err := rpreview.CheckSource(absSource); err != nil {
		return "", fmt.Errorf("%w: %w", rpreview.ErrNotConverted, err)
	}

	key := cacheKey(absSource)
	res, err, _ := c.group.Do(key, func() (any, error) {
		return c.convert(ctx, absSource, key)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Converter) convert(ctx context.Context, source, key string) (string, error) {
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("%w: couldn't stat source: %w", rpreview.ErrNotConverted, err)
	}

	cachePath := c.cache.GetFilepath(key)

	cacheInfo, err := c.cache.Stat(key)
	switch {
	case err == nil && !cacheInfo.ModTime().Before(sourceInfo.ModTime()):
		rlog.Debugf("use cached conversion of %q", source)
		return cachePath, nil
	case err == nil:
		rlog.Debugf("cached conversion of %q is outdated", source)
	case !errors.Is(err, rpreview.ErrCacheMiss):
		rlog.Warnf("couldn't check cached conversion of %q: %s", source, err)
	}

	if _, _, err := c.cleaner.Cleanup(cachePath); err != nil {
		rlog.Errorf("couldn't clean converter cache: %s", err)
	}

	now := time.Now()
	err = c.convertToCache(ctx, source, key)
	if err != nil {
		metrics.ConversionErrors.Inc()

		// Don't keep partially written files.
		if err := c.cache.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
			rlog.Errorf("couldn't remove cache file for %q after conversion error: %s", source, err)
		}
		return "", fmt.Errorf("%w: %w", rpreview.ErrNotConverted, err)
	}

	dur := time.Since(now)
	metrics.Conversions.Inc()
	metrics.ConversionDuration.Observe(dur.Seconds())
	rlog.Debugf("%q was converted in %s", source, dur)

	return cachePath, nil
}

func (c *Converter) convertToCache(ctx context.Context, source, key string) error {
	tempDir, err := os.MkdirTemp("", "rpreview-convert-*")
	if err != nil {
		return fmt.Errorf("couldn't create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			rlog.Errorf("couldn't remove temp dir: %s", err)
		}
	}()

	if err := c.runConvertFn(ctx, source, tempDir); err != nil {
		return err
	}

	// LibreOffice keeps the base name and replaces the extension.
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ".pdf"
	tempFile, err := os.Open(filepath.Join(tempDir, name))
	if err != nil {
		return fmt.Errorf("conversion produced no output: %w", err)
	}
	defer tempFile.Close()

	// We can't just use [os.Rename] because the temp dir and the cache dir can be
	// on different devices.
	written, err := c.cache.Write(key, tempFile)
	if err != nil {
		return fmt.Errorf("couldn't copy converted file to cache: %w", err)
	}
	if written == 0 {
		return errors.New("conversion produced an empty file")
	}

	info, err := c.cache.Stat(key)
	if err != nil {
		return fmt.Errorf("couldn't verify cache file: %w", err)
	}
	if info.Size() != written {
		return fmt.Errorf("not all content was copied, original size: %d, copied: %d", written, info.Size())
	}
	return nil
}

// runConvertFn calls convertFn with a timeout and converts panics to errors.
func (c *Converter) runConvertFn(ctx context.Context, source, outDir string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during conversion: %v", p)
		}
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.convertFn(ctx, source, outDir)
}

// Clear removes all converted files. Errors are only logged.
func (c *Converter) Clear() {
	if err := c.cache.Clear(); err != nil {
		rlog.Errorf("couldn't clear converter cache: %s", err)
	}
}

// CachePath returns the path of a cache file for the passed document. The file may not exist.
func (c *Converter) CachePath(source string) (string, error) {
	absSource, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("couldn't get absolute path: %w", err)
	}
	return c.cache.GetFilepath(cacheKey(absSource)), nil
}

func cacheKey(absSource string) string {
	hash := md5.Sum([]byte(absSource)) //nolint:gosec
	return hex.EncodeToString(hash[:]) + ".pdf"
}

// newLibreOfficeConvertFn returns a function that converts documents with LibreOffice in
// headless mode. Every call uses a separate user profile, so conversions don't block each other.
//
// The process is killed when the context is cancelled.
func newLibreOfficeConvertFn(binary string) func(ctx context.Context, source, outDir string) error {
	return func(ctx context.Context, source, outDir string) error {
		profileDir := filepath.Join(outDir, ".profile")

		cmd := exec.CommandContext(
			ctx,
			binary,
			"-env:UserInstallation=file://"+filepath.ToSlash(profileDir),
			"--headless",
			"--convert-to", "pdf",
			"--outdir", outDir,
			source,
		)
		stderr := bytes.NewBuffer(nil)
		cmd.Stderr = stderr

		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("couldn't convert document: %w", ctxErr)
			}
			return fmt.Errorf("couldn't convert document: %w, stderr: %q", err, stderr.String())
		}
		if stderr.Len() > 0 {
			rlog.Debugf("%s stderr for %q: %q", binary, source, stderr.String())
		}
		return nil
	}
}
