package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fieldline/drivergate/pkg/audit"
)

// runAuditVerifyCmd implements `drivergate audit verify`.
//
// Exit codes: 0 chain intact, 1 chain broken, 2 runtime error.
func runAuditVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file   string
		dbPath string
	)
	cmd.StringVar(&file, "file", "", "Audit trail JSONL file")
	cmd.StringVar(&dbPath, "db", "", "Audit trail SQLite database")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (file == "") == (dbPath == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --file or --db is required")
		return 2
	}

	var (
		count int
		err   error
	)
	if file != "" {
		f, openErr := os.Open(file)
		if openErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open %s: %v\n", file, openErr)
			return 2
		}
		defer func() { _ = f.Close() }()
		count, err = audit.VerifyStream(f)
	} else {
		store, db, openErr := audit.OpenSQLiteStore(dbPath)
		if openErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open %s: %v\n", dbPath, openErr)
			return 2
		}
		defer func() { _ = db.Close() }()
		count, err = store.Verify(context.Background())
	}

	if err != nil {
		_, _ = fmt.Fprintf(stderr, "BROKEN: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d events, chain intact\n", count)
	return 0
}
