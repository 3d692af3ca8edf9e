package host

import (
	"os"

	"github.com/bayedieng/obliteration/fs"
	"golang.org/x/sys/unix"
)

func stableAttr(path string, info os.FileInfo) fs.InodeStableAttr {
	var attr fs.InodeStableAttr
	attr.SetType(info.Mode())

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err == nil {
		attr.DeviceID = st.Dev
		attr.InodeID = st.Ino
		attr.BlockSize = int64(st.Blksize)
	}

	return attr
}

func fillOwner(path string, us *fs.InodeUnstableAttr) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return
	}

	us.UserId = int(st.Uid)
	us.GroupId = int(st.Gid)
	us.Links = uint64(st.Nlink)
}
