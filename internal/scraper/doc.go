// Package scraper defines the domain types, error taxonomy, and collaborator
// interfaces shared by the group scraping pipeline.
package scraper
