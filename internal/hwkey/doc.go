// Package hwkey is the process boundary for device-bound keys.
//
// Device operations are delegated to an external plugin loaded through
// the Extism SDK. The plugin exports three functions with JSON
// request/response bodies:
//
//	discover_devices    {} -> {"devices": [{"id", "label"}]}
//	generate_on_device  {"device_id"} -> {"public_key", "handle"}
//	unwrap_with_device  {"device_id", "handle", "wrapped"} -> {"content_key"}
//
// A wrapped entry that does not match the device's key yields an empty
// content_key, not an error.
//
// Binary fields are base64. Failures come back as
// {"error": {"code", "message"}} with codes not_present, user_declined,
// or communication_failure; all device errors are retryable, and a
// pending hardware step pauses the surrounding operation rather than
// aborting it. The device's internal cryptography is entirely the
// plugin's concern.
package hwkey
