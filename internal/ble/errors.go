package ble

import "codeberg.org/mutker/o2relay/internal/errors"

const (
	// Caller errors
	ErrNotIdle      = errors.ErrorCode("ble_scan_while_busy")
	ErrNotConnected = errors.ErrorCode("ble_not_connected")

	// Transport errors
	ErrScanTimeout    = errors.ErrorCode("ble_scan_timeout")
	ErrConnectTimeout = errors.ErrorCode("ble_connect_timeout")
	ErrScanFailed     = errors.ErrorCode("ble_scan_failed")
	ErrConnectFailed  = errors.ErrorCode("ble_connect_failed")
	ErrDiscoverFailed = errors.ErrorCode("ble_capability_discovery_failed")
	ErrNotifyFailed   = errors.ErrorCode("ble_notification_enable_failed")
	ErrSendFailed     = errors.ErrorCode("ble_send_failed")
	ErrLinkLost       = errors.ErrorCode("ble_link_lost")

	// Adapter errors
	ErrAdapterInit     = errors.ErrorCode("ble_adapter_init_failed")
	ErrServiceNotFound = errors.ErrorCode("ble_service_not_found")
	ErrCharNotFound    = errors.ErrorCode("ble_characteristic_not_found")
	ErrUnknownTarget   = errors.ErrorCode("ble_unknown_target")
)
