// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package auth provides the admin key check for administrative operations.

# Admin Keys

Admin keys use HMAC-SHA256 over the count id:

	adminKey := auth.GenerateAdminKey(countID, salt)
	err := auth.ValidateAdminKey(countID, adminKey, salt)

The key is URL-safe base64 without padding. The same count id and salt
always produce the same key, so nothing is stored. The `admin-key` command
prints it for the configured count.

# Client Hashing

	hash := auth.HashIP(remoteAddr, salt)

Returns the first 8 bytes (16 hex chars) of HMAC-SHA256. Used to tag
submission log lines.
*/
package auth
