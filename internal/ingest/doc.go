// Package ingest defines the core types shared by the ingestion pipeline:
// scrape jobs, scraped items, extracted tables, and the small interfaces the
// fetcher, extractor, tracker, queue stage and real-time layer depend on.
package ingest
