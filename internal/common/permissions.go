package common

// Modes for files stagegate writes under the state directory.
const (
	// FilePermissionSecure covers run records, snapshot catalog entries, leases and credentials.
	FilePermissionSecure = 0600
	// FilePermissionNormal covers archived reports.
	FilePermissionNormal = 0644

	DirPermissionSecure = 0700
	DirPermissionNormal = 0755
)
