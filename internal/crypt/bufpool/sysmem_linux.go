//go:build linux

package bufpool

import "golang.org/x/sys/unix"

// TotalPages returns the host's total RAM expressed in PageSize units,
// the same quantity SizeForShare's sizing rule takes its "total_pages"
// from.
func TotalPages() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return defaultTotalPages
	}
	totalBytes := uint64(info.Totalram) * uint64(info.Unit)
	return int(totalBytes / PageSize)
}
