package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/stash/internal/config"
	"github.com/eteran/stash/internal/expiry"
	"github.com/eteran/stash/internal/storage"
)

const usage = `usage: stash-admin <command> [flags]

commands:
  count [--prefix P]                     count stored objects
  sweep [--hours H]                      delete objects older than H hours
  populate N                             write N random objects
  put TEAM ID FILE [--tag T]             upload FILE as an artifact
  get TEAM ID [FILE]                     download an artifact to FILE or stdout
  rm KEY...                              delete objects by key

The backend is selected from the same environment as the server.
`

// CountObjects pages through the backend and returns the number of keys
// starting with prefix.
func CountObjects(ctx context.Context, s storage.Storage, prefix string) (int, error) {
	count := 0
	opts := storage.ListOptions{Prefix: prefix, Limit: storage.MaxListLimit}
	for {
		page, err := s.List(ctx, opts)
		if err != nil {
			return count, fmt.Errorf("failed to list objects: %w", err)
		}
		count += len(page.Keys)
		if !page.Truncated || page.Cursor == "" {
			return count, nil
		}
		opts.Cursor = page.Cursor
	}
}

// PopulateObjects writes n small objects under random-data/.
func PopulateObjects(ctx context.Context, s storage.Storage, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range n {
		key := "random-data/" + uuid.NewString()
		g.Go(func() error {
			if err := s.Write(ctx, key, storage.String(strconv.Itoa(i)), nil); err != nil {
				return fmt.Errorf("failed to write %q: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// UploadArtifact stores the contents of path as the artifact team/id.
func UploadArtifact(ctx context.Context, s storage.Storage, team string, id string, path string, tag string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}

	custom := map[string]string{}
	if tag != "" {
		custom["artifactTag"] = tag
	}

	key := storage.Key(team, id)
	if err := s.Write(ctx, key, storage.Stream(f, info.Size()), custom); err != nil {
		return fmt.Errorf("failed to upload %q: %w", key, err)
	}

	slog.Info("Uploaded artifact", "key", key, "size", info.Size())
	return nil
}

// DownloadArtifact copies the artifact team/id to w.
func DownloadArtifact(ctx context.Context, s storage.Storage, team string, id string, w io.Writer) error {
	key := storage.Key(team, id)
	obj, err := s.ReadWithMetadata(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", key, err)
	}
	if obj.Absent() {
		return fmt.Errorf("artifact %q not found", key)
	}
	defer obj.Data.Close()

	n, err := io.Copy(w, obj.Data)
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", key, err)
	}

	attrs := []any{"key", key, "size", n}
	if obj.Metadata != nil {
		attrs = append(attrs, "created", obj.Metadata.CreatedAt, "tag", obj.Metadata.Custom["artifactTag"])
	}
	slog.Info("Downloaded artifact", attrs...)
	return nil
}

func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command, args := args[0], args[1:]

	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	prefix := flags.String("prefix", "", "only count keys with this prefix")
	hours := flags.Float64("hours", cfg.ExpirationHours, "expiration cutoff in hours")
	tag := flags.String("tag", "", "artifact tag to store with the upload")
	if err := flags.Parse(args); err != nil {
		return err
	}
	args = flags.Args()

	manager, err := storage.NewManager(ctx, cfg.Storage())
	if err != nil {
		return err
	}
	defer manager.Close()

	s := manager.Active()

	switch command {
	case "count":
		count, err := CountObjects(ctx, s, *prefix)
		if err != nil {
			return err
		}
		fmt.Println(count)

	case "sweep":
		start := time.Now()
		result, err := expiry.DeleteOldCache(ctx, s, expiry.Options{CutoffHours: *hours})
		if err != nil {
			return fmt.Errorf("sweep failed after %d pages: %w", result.Pages, err)
		}
		slog.Info("Sweep finished", "pages", result.Pages, "scanned", result.Scanned, "deleted", result.Deleted, "duration", time.Since(start))

	case "populate":
		if len(args) != 1 {
			return errors.New("populate takes exactly one count")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		if err := PopulateObjects(ctx, s, n); err != nil {
			return err
		}
		slog.Info("Populated objects", "count", n)

	case "put":
		if len(args) != 3 {
			return errors.New("put takes TEAM ID FILE")
		}
		return UploadArtifact(ctx, s, args[0], args[1], args[2], *tag)

	case "get":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("get takes TEAM ID [FILE]")
		}
		if len(args) == 2 {
			return DownloadArtifact(ctx, s, args[0], args[1], os.Stdout)
		}
		f, err := os.Create(args[2])
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", args[2], err)
		}
		if err := DownloadArtifact(ctx, s, args[0], args[1], f); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()

	case "rm":
		if len(args) == 0 {
			return errors.New("rm takes at least one key")
		}
		if err := s.Delete(ctx, args...); err != nil {
			return fmt.Errorf("failed to delete: %w", err)
		}
		slog.Info("Deleted objects", "count", len(args))

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	return nil
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		slog.Error("stash-admin failed", "err", err)
		os.Exit(1)
	}
}
