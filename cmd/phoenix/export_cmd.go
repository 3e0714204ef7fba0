package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

// newGCSSink is set by builds with the gcp tag.
var newGCSSink func(ctx context.Context, bucket string) (store.Sink, func() error, error)

// runExportCmd implements `phoenix export`. It reads the audit chain from
// SQLite or Postgres, verifies it, and writes a self-verifying bundle to a
// file or an object store.
//
// Exit codes:
//
//	0 = export completed
//	1 = chain verification failed
//	2 = usage or runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sqlitePath  string
		databaseURL string
		outPath     string
		s3Bucket    string
		s3Region    string
		s3Endpoint  string
		gcsBucket   string
		prefix      string
	)
	cmd.StringVar(&sqlitePath, "sqlite", "", "SQLite audit database")
	cmd.StringVar(&databaseURL, "database-url", "", "Postgres audit database URL")
	cmd.StringVar(&outPath, "out", "", "Write the bundle to this file")
	cmd.StringVar(&s3Bucket, "s3-bucket", "", "Upload the bundle to this S3 bucket")
	cmd.StringVar(&s3Region, "s3-region", os.Getenv("AWS_REGION"), "S3 region")
	cmd.StringVar(&s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (MinIO, LocalStack)")
	cmd.StringVar(&gcsBucket, "gcs-bucket", "", "Upload the bundle to this GCS bucket")
	cmd.StringVar(&prefix, "prefix", "phoenix/audit/", "Object key prefix")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (sqlitePath == "") == (databaseURL == "") {
		_, _ = fmt.Fprintln(stderr, "Error: specify exactly one of --sqlite or --database-url")
		return 2
	}
	if outPath == "" && s3Bucket == "" && gcsBucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: specify --out, --s3-bucket or --gcs-bucket")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reader, closeDB, err := openReader(sqlitePath, databaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeDB() }()

	bundle, err := store.ExportBundle(ctx, reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if outPath != "" {
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "wrote %d entries to %s (%s)\n", bundle.Count, outPath, bundle.Digest)
	}

	if s3Bucket != "" {
		sink, err := store.NewS3Sink(ctx, store.S3Options{Bucket: s3Bucket, Region: s3Region, Endpoint: s3Endpoint})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		key, err := store.Archive(ctx, sink, prefix, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "uploaded s3://%s/%s\n", s3Bucket, key)
	}

	if gcsBucket != "" {
		if newGCSSink == nil {
			_, _ = fmt.Fprintln(stderr, "Error: this binary was built without GCS support (build with -tags gcp)")
			return 2
		}
		sink, closeSink, err := newGCSSink(ctx, gcsBucket)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer func() { _ = closeSink() }()
		key, err := store.Archive(ctx, sink, prefix, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "uploaded gs://%s/%s\n", gcsBucket, key)
	}
	return 0
}

func openReader(sqlitePath, databaseURL string) (store.Reader, func() error, error) {
	if sqlitePath != "" {
		if _, err := os.Stat(sqlitePath); err != nil {
			return nil, nil, err
		}
		db, err := store.OpenSQLite(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLiteAuditStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresAuditStore(db), db.Close, nil
}
