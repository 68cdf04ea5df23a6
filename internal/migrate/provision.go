package migrate

// EnsureFolder selects name on dst, creating it first when it does not exist.
// A failed create still succeeds if the folder can be selected afterwards.
func EnsureFolder(dst Target, name string) error {
	if err := dst.SelectFolder(name, false); err == nil {
		return nil
	}
	if err := dst.CreateFolder(name); err != nil {
		if selErr := dst.SelectFolder(name, false); selErr == nil {
			return nil
		}
		return &FolderProvisionError{Folder: name, Err: err}
	}
	if err := dst.SelectFolder(name, false); err != nil {
		return &FolderProvisionError{Folder: name, Err: err}
	}
	return nil
}
