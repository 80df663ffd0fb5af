package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/astromechza/livedraw/pkg/database"
	"github.com/astromechza/livedraw/pkg/history"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// mainInner dumps the stroke log of a database file as JSON lines, followed by per-author counts
// on stderr.
func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flagSet := pflag.NewFlagSet("livedraw-inspect", pflag.ContinueOnError)
	since := flagSet.Uint64("since", 0, "only dump strokes after this sequence number")
	pageSize := flagSet.Int("page-size", 1000, "strokes read per query")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the database to read")
	}
	ctx := context.Background()
	db, err := database.OpenReadOnly(ctx, flagSet.Arg(0), nil)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := strokes.New(ctx, db, nil, nil)
	if err != nil {
		return err
	}
	paginator, err := history.New(store, *pageSize)
	if err != nil {
		return err
	}
	slog.Info("loaded log", "head", store.Head())

	enc := json.NewEncoder(os.Stdout)
	authors := map[string]int{}
	cursor, err := paginator.Replay(ctx, *since, func(page history.Page) error {
		for _, rec := range page.Records {
			authors[rec.AuthorID]++
			if err := enc.Encode(wire.Stroke(rec, nil)); err != nil {
				return fmt.Errorf("failed to write stroke: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for author, n := range authors {
		slog.Info("author", "id", author, "strokes", n)
	}
	slog.Info("dumped", "cursor", cursor)
	return nil
}
