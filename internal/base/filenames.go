package base

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type FileType byte

const (
	FileTypeLog FileType = iota
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
)

// MakeFilename renders the base name of a store file:
// 000007.log, 000007.sst, MANIFEST-000007, CURRENT.
func MakeFilename(ft FileType, num uint64) string {
	switch ft {
	case FileTypeLog:
		return fmt.Sprintf("%06d.log", num)
	case FileTypeTable:
		return fmt.Sprintf("%06d.sst", num)
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%06d", num)
	case FileTypeCurrent:
		return "CURRENT"
	default:
		panic("unknown file type")
	}
}

// MakeFilepath joins the store directory with MakeFilename.
func MakeFilepath(dirname string, ft FileType, num uint64) string {
	return filepath.Join(dirname, MakeFilename(ft, num))
}

// ParseFilename inverts MakeFilename. ok is false for foreign files, which
// the store leaves untouched.
func ParseFilename(name string) (ft FileType, num uint64, ok bool) {
	switch {
	case name == "CURRENT":
		return FileTypeCurrent, 0, true
	case strings.HasPrefix(name, "MANIFEST-"):
		n, err := strconv.ParseUint(name[len("MANIFEST-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeManifest, n, true
	case strings.HasSuffix(name, ".log"):
		n, err := strconv.ParseUint(name[:len(name)-len(".log")], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeLog, n, true
	case strings.HasSuffix(name, ".sst"):
		n, err := strconv.ParseUint(name[:len(name)-len(".sst")], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeTable, n, true
	default:
		return 0, 0, false
	}
}
