//go:build !linux

package contentsync

func renameNoReplace(oldname, newname string) error {
	return linkRename(oldname, newname)
}
