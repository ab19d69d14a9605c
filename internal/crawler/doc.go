// Package crawler holds the core types shared by the harvester engine: seed
// targets, frontier entries, tagged fetch results, URL normalization and the
// collaborator interfaces the engine depends on.
package crawler
