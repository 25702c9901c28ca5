// Package pgblock implements a block device whose contents live in
// PostgreSQL as fixed-size pages. Pages never written read back as zeros.
package pgblock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/database/postgresql"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	DefaultPageSize = 4096
	DefaultTable    = "block_pages"
)

type Options struct {
	Name     string
	Token    string
	Size     int64
	PageSize int
	// Table is the base name for the page table; the device table is
	// derived from it.
	Table string
}

type Device struct {
	ctx      context.Context
	db       postgresql.Client
	name     string
	token    string
	size     int64
	pageSize int

	pagesTable   string
	devicesTable string
}

var _ blockdev.Device = (*Device)(nil)

// Open attaches to the device identified by opts.Token, creating its
// record on first use. ctx is kept for the lifetime of the device: the
// block device contract has no per-call context.
func Open(ctx context.Context, db postgresql.Client, opts Options) (*Device, error) {
	const op = "pgblock.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if opts.Token == "" {
		return nil, fmt.Errorf("%s: empty device token", op)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}

	d := &Device{
		ctx:          ctx,
		db:           db,
		name:         opts.Name,
		token:        opts.Token,
		size:         opts.Size,
		pageSize:     opts.PageSize,
		pagesTable:   pq.QuoteIdentifier(opts.Table),
		devicesTable: pq.QuoteIdentifier(opts.Table + "_devices"),
	}

	if err := d.ensureSchema(ctx); err != nil {
		logger.Error("Failed to prepare schema", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := d.getOrCreate(ctx); err != nil {
		logger.Error("Failed to attach device", slogext.Err(err), slog.String("token", opts.Token))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Device attached",
		slog.String("token", d.token),
		slog.Int64("size", d.size),
		slog.Int("page_size", d.pageSize),
	)

	return d, nil
}

func (d *Device) ensureSchema(ctx context.Context) error {
	devices := `CREATE TABLE IF NOT EXISTS ` + d.devicesTable + ` (
		token      TEXT PRIMARY KEY,
		size       BIGINT NOT NULL,
		page_size  INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	pages := `CREATE TABLE IF NOT EXISTS ` + d.pagesTable + ` (
		token TEXT NOT NULL,
		page  BIGINT NOT NULL,
		data  BYTEA NOT NULL,
		PRIMARY KEY (token, page)
	)`

	return postgresql.WithTransaction(ctx, d.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, d.db)
		if _, err := db.Exec(ctx, devices); err != nil {
			return err
		}
		_, err := db.Exec(ctx, pages)
		return err
	})
}

func (d *Device) getOrCreate(ctx context.Context) error {
	return postgresql.WithTransaction(ctx, d.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, d.db)

		insert := `INSERT INTO ` + d.devicesTable + ` (token, size, page_size)
			VALUES ($1, $2, $3)
			ON CONFLICT (token) DO NOTHING`
		if _, err := db.Exec(ctx, insert, d.token, d.size, d.pageSize); err != nil {
			return err
		}

		query := `SELECT size, page_size FROM ` + d.devicesTable + ` WHERE token = $1`
		return db.QueryRow(ctx, query, d.token).Scan(&d.size, &d.pageSize)
	})
}

func (d *Device) Size() int64 { return d.size }

func (d *Device) Name() string { return d.name }

func (d *Device) pageRange(off int64, n int) (first, last int64) {
	ps := int64(d.pageSize)
	return off / ps, (off + int64(n) - 1) / ps
}

// loadPages fetches the pages in [first, last]; absent pages are zero.
func (d *Device) loadPages(ctx context.Context, first, last int64, forUpdate bool) ([]byte, error) {
	buf := make([]byte, (last-first+1)*int64(d.pageSize))

	query := `SELECT page, data FROM ` + d.pagesTable + `
		WHERE token = $1 AND page BETWEEN $2 AND $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	db := postgresql.GetDBClient(ctx, d.db)
	rows, err := db.Query(ctx, query, d.token, first, last)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var page int64
		var data []byte
		if err := rows.Scan(&page, &data); err != nil {
			return nil, err
		}
		copy(buf[(page-first)*int64(d.pageSize):], data)
	}

	return buf, rows.Err()
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	const op = "pgblock.Device.ReadAt"

	if off < 0 {
		return 0, blockdev.ErrOutOfRange
	}
	if off >= d.size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := d.size - off; int64(n) > rem {
		n = int(rem)
	}
	if n == 0 {
		return 0, nil
	}

	first, last := d.pageRange(off, n)
	buf, err := d.loadPages(d.ctx, first, last, false)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	copy(p[:n], buf[off-first*int64(d.pageSize):])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	const op = "pgblock.Device.WriteAt"

	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("%s: write %d bytes at %d: %w", op, len(p), off, blockdev.ErrOutOfRange)
	}
	if len(p) == 0 {
		return 0, nil
	}

	first, last := d.pageRange(off, len(p))

	err := postgresql.WithTransaction(d.ctx, d.db, func(ctx context.Context) error {
		buf, err := d.loadPages(ctx, first, last, true)
		if err != nil {
			return err
		}
		copy(buf[off-first*int64(d.pageSize):], p)

		upsert := `INSERT INTO ` + d.pagesTable + ` (token, page, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (token, page)
			DO UPDATE SET data = EXCLUDED.data`

		db := postgresql.GetDBClient(ctx, d.db)
		for page := first; page <= last; page++ {
			start := (page - first) * int64(d.pageSize)
			if _, err := db.Exec(ctx, upsert, d.token, page, buf[start:start+int64(d.pageSize)]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			logging.GetLoggerFromContextWithOp(d.ctx, op).Error("Page write rejected",
				slog.String("code", pgErr.Code),
				slog.String("detail", pgErr.Detail),
			)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return len(p), nil
}

// Discard removes every stored page and the device record.
func (d *Device) Discard(ctx context.Context) error {
	const op = "pgblock.Device.Discard"

	err := postgresql.WithTransaction(ctx, d.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, d.db)
		if _, err := db.Exec(ctx, `DELETE FROM `+d.pagesTable+` WHERE token = $1`, d.token); err != nil {
			return err
		}
		_, err := db.Exec(ctx, `DELETE FROM `+d.devicesTable+` WHERE token = $1`, d.token)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
