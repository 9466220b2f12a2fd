// Package main hosts the scrapper service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scrape jobs, answers status queries
//     and manages per-user session config. Jobs are handed to the orchestrator,
//     which answers 202 as soon as the user's browser session is up.
//   - Jobs: internal/orchestrator runs one goroutine per job. Each requested
//     group is opened in the user's Chrome session, the feed is scrolled by
//     internal/scroll and GraphQL responses are decoded by internal/interceptor.
//   - Media: internal/media downloads post images through the colly fetcher,
//     stores them under media.dir and optionally mirrors them to GCS or S3. A
//     sweeper removes files older than media.retention_hours.
//   - Results: internal/notify posts the success or failure payload to the
//     job's webhook and publishes a completion event when Pub/Sub is set up.
//     internal/ledger keeps job snapshots, mirrored to Postgres when a DSN is
//     configured.
//
// Quick checklist:
//   - Configure env vars with the SCRAPPER_ prefix (SCRAPPER_SERVER_PORT,
//     SCRAPPER_CREDENTIALS_BACKEND, SCRAPPER_PROXY_POOL_URL, ...), either in the
//     process environment or in a .env file.
//   - Run locally: go run ./cmd/scrapper -config config.yaml
package main
