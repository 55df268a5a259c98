// Package simplemedia provides the media asset lifecycle pipeline: upload
// intake, provisional-upload tracking, variant generation and storage
// reclamation for abandoned uploads.
//
// The root package holds the domain types (Asset, ProvisionalUpload), the
// BlobStore and Repository interfaces the pipeline is built on, and the
// provisional upload state machine. Implementations of repositories
// (memory, Postgres) and blob stores (memory, filesystem, S3, MinIO) live in
// subpackages, as do the intake service, the variant worker and the cleanup
// scheduler.
//
// Lifecycle Strategy
//
// The metadata store is the single source of truth for lifecycle status.
// Object stores are only ever asked to read, write or delete bytes by key;
// they are never consulted to decide whether an upload is pending, used or
// orphaned.
package simplemedia
