// Inspect a SlotDB record file: header, size, checksum and records.
// Usage: go run ./cmd/slotdump [-n limit] [-from slot] [-reverse] [-v] <file.db>
// Example: go run ./cmd/slotdump -n 20 artists.db
//
// Opening the file replays its write-ahead log, as any other handle would.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/MikhailWahib/slotdb"
	"github.com/MikhailWahib/slotdb/internal/engine"
	"github.com/MikhailWahib/slotdb/internal/logging"
)

func main() {
	limit := flag.Int64("n", 50, "maximum number of records to print, negative for all")
	from := flag.Int64("from", 0, "first slot to print")
	reverse := flag.Bool("reverse", false, "print backwards from the last slot, ignoring -from")
	verbose := flag.Bool("v", false, "log recovery and lock activity")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file.db>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		logging.Init(logging.Config{Level: slog.LevelDebug})
	}

	if err := dump(os.Stdout, flag.Arg(0), *from, *limit, *reverse); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dump(w io.Writer, path string, from, limit int64, reverse bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	db, err := slotdb.Open(path, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := db.SlotCount()
	if err != nil {
		return err
	}
	digest, err := db.Digest()
	if err != nil {
		return err
	}
	schema := db.Schema()

	fmt.Fprintf(w, "file:        %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
	fmt.Fprintf(w, "schema:      %s\n", schema)
	fmt.Fprintf(w, "record size: %s\n", humanize.Bytes(uint64(schema.RecordSize())))
	fmt.Fprintf(w, "slots:       %s\n", humanize.Comma(count))
	fmt.Fprintf(w, "digest:      %016x\n", digest)
	if wal, err := os.Stat(engine.WALPath(path)); err == nil {
		fmt.Fprintf(w, "wal:         %s\n", humanize.Bytes(uint64(wal.Size())))
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))

	cur := db.Cursor()
	defer cur.Close()

	next := cur.Next
	if reverse {
		next = cur.Prev
		from = count
	}
	if err := cur.Seek(from); err != nil {
		return err
	}

	for printed := int64(0); limit < 0 || printed < limit; printed++ {
		pos := cur.Position()
		rec, err := next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if reverse {
			pos--
		}
		fmt.Fprintf(w, "%8d  %s\n", pos, formatRecord(schema, rec))
	}
	return nil
}

func formatRecord(s *slotdb.Schema, rec slotdb.Record) string {
	parts := make([]string, 0, len(rec))
	for i, f := range s.Fields() {
		parts = append(parts, fmt.Sprintf("%s=%q", f.Name, fmt.Sprint(rec[i])))
	}
	return strings.Join(parts, " ")
}
