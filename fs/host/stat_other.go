//go:build !linux

package host

import (
	"os"

	"github.com/bayedieng/obliteration/fs"
)

func stableAttr(path string, info os.FileInfo) fs.InodeStableAttr {
	var attr fs.InodeStableAttr
	attr.SetType(info.Mode())
	return attr
}

func fillOwner(path string, us *fs.InodeUnstableAttr) {}
