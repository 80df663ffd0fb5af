// Package history replays the stroke log in fixed-size pages addressed by sequence cursor.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/astromechza/livedraw/pkg/strokes"
)

// MaxCursor is the largest cursor the stroke log can be addressed by. Sequence numbers are stored
// as signed 64-bit integers.
const MaxCursor uint64 = math.MaxInt64

var (
	// ErrInvalidPage is returned by CursorForPage for page numbers below 1 or beyond MaxCursor.
	ErrInvalidPage = errors.New("page number out of range")
	// ErrInvalidCursor is returned for cursors above MaxCursor.
	ErrInvalidCursor = errors.New("cursor out of range")
)

// Page is one chunk of history. Cursor is the sequence number of the last record in the page, or
// the request cursor when the page is empty.
type Page struct {
	Records []strokes.Record
	Cursor  uint64
	HasNext bool
}

// Reader is the part of the stroke store the paginator needs.
type Reader interface {
	ReadPage(ctx context.Context, after uint64, pageSize int) ([]strokes.Record, bool, error)
}

type Paginator struct {
	reader   Reader
	pageSize int
}

func New(reader Reader, pageSize int) (*Paginator, error) {
	if pageSize <= 0 {
		return nil, strokes.ErrInvalidPageSize
	}
	return &Paginator{reader: reader, pageSize: pageSize}, nil
}

func (p *Paginator) PageSize() int { return p.pageSize }

// NextPage reads the page after cursor. A cursor beyond the head yields an empty page with
// HasNext false.
func (p *Paginator) NextPage(ctx context.Context, cursor uint64) (Page, error) {
	if cursor > MaxCursor {
		return Page{}, ErrInvalidCursor
	}
	records, hasNext, err := p.reader.ReadPage(ctx, cursor, p.pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read history page after %d: %w", cursor, err)
	}
	page := Page{Records: records, Cursor: cursor, HasNext: hasNext}
	if len(records) > 0 {
		page.Cursor = records[len(records)-1].Seq
	}
	return page, nil
}

// Replay walks pages from cursor until the log is exhausted, handing each non-empty page to fn.
// It returns the cursor after the last delivered record. An error from fn stops the walk and is
// returned with the cursor reached so far.
func (p *Paginator) Replay(ctx context.Context, cursor uint64, fn func(Page) error) (uint64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		page, err := p.NextPage(ctx, cursor)
		if err != nil {
			return cursor, err
		}
		if len(page.Records) > 0 {
			if err := fn(page); err != nil {
				return cursor, err
			}
		}
		cursor = page.Cursor
		if !page.HasNext {
			return cursor, nil
		}
	}
}

// CursorForPage converts a 1-based page number into the cursor that starts it. This relies on
// sequence numbers being gapless from 1.
func (p *Paginator) CursorForPage(page int) (uint64, error) {
	if page < 1 || uint64(page-1) > MaxCursor/uint64(p.pageSize) {
		return 0, ErrInvalidPage
	}
	return uint64(page-1) * uint64(p.pageSize), nil
}
