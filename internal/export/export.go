// Package export writes a generated image batch to disk.
package export

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// maxParallelWrites bounds concurrent file writes
const maxParallelWrites = 4

// FileNames returns the file name of every image in the batch. Images whose
// seed already appeared earlier in the batch get their index appended.
func FileNames(images []models.GeneratedImage) []string {
	names := make([]string, len(images))
	seen := make(map[int64]bool, len(images))
	for i, img := range images {
		if seen[img.Seed] {
			names[i] = fmt.Sprintf("z-image-%d-%d.%s", img.Seed, i, img.Extension())
		} else {
			names[i] = fmt.Sprintf("z-image-%d.%s", img.Seed, img.Extension())
		}
		seen[img.Seed] = true
	}
	return names
}

// SaveAll decodes every image and writes it into dir, creating dir when
// needed. It returns the written paths in batch order.
func SaveAll(ctx context.Context, dir string, images []models.GeneratedImage) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	names := FileNames(images)
	paths := make([]string, len(images))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelWrites)

	for i := range images {
		i := i
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, _, err := images[i].Decode()
			if err != nil {
				return fmt.Errorf("image %d (seed %d): %w", i, images[i].Seed, err)
			}

			path := filepath.Join(dir, names[i])
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			paths[i] = path
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	log.Printf("Saved %d images to %s", len(paths), dir)
	return paths, nil
}
