//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Linux reports a magic number instead of a name.
var linuxNetworkMagic = map[uint32]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	0xFE534D42:            "smb2",
}

func filesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", err
	}
	if name, ok := linuxNetworkMagic[uint32(st.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint32(st.Type)), nil
}
