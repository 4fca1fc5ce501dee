package queue

import "codeberg.org/mutker/o2relay/internal/errors"

const (
	// Configuration errors
	ErrInvalidDBPath = errors.ErrorCode("queue_invalid_db_path")

	// Storage errors
	ErrStorageInit   = errors.ErrorCode("queue_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("queue_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("queue_storage_close_failed")
	ErrSchemaInit    = errors.ErrorCode("queue_schema_init_failed")

	// Flush errors
	ErrFlushFailed = errors.ErrorCode("queue_flush_failed")
)
