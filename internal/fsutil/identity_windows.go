//go:build windows

package fsutil

import (
	"golang.org/x/sys/windows"
)

// sameFile compares volume serial number + file index — the Windows
// notion of "same file" / hardlinked-together, per §9's platform caveat.
func sameFile(path1, path2 string) bool {
	info1, ok := fileInfo(path1)
	if !ok {
		return false
	}
	info2, ok := fileInfo(path2)
	if !ok {
		return false
	}
	return info1.VolumeSerialNumber == info2.VolumeSerialNumber &&
		info1.FileIndexHigh == info2.FileIndexHigh &&
		info1.FileIndexLow == info2.FileIndexLow
}

func fileInfo(path string) (windows.ByHandleFileInformation, bool) {
	var info windows.ByHandleFileInformation
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return info, false
	}
	h, err := windows.CreateFile(p,
		windows.FILE_READ_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return info, false
	}
	defer windows.CloseHandle(h) //nolint:errcheck

	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return info, false
	}
	return info, true
}
