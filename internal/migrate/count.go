package migrate

// FolderCount is the number of messages in one source folder, or the error
// that prevented counting it.
type FolderCount struct {
	Folder string
	Count  int
	Err    error
}

// CountMessages selects every folder read-only and counts its messages. A
// folder that cannot be selected or searched carries its error and counting
// continues with the next one.
func CountMessages(src Source, folders []Folder) []FolderCount {
	out := make([]FolderCount, 0, len(folders))
	for _, f := range folders {
		fc := FolderCount{Folder: f.Name}
		if err := src.SelectFolder(f.Name, true); err != nil {
			fc.Err = &FolderAccessError{Folder: f.Name, Op: "select", Err: err}
			out = append(out, fc)
			continue
		}
		uids, err := src.SearchAll()
		if err != nil {
			fc.Err = &FolderAccessError{Folder: f.Name, Op: "search", Err: err}
			out = append(out, fc)
			continue
		}
		fc.Count = len(uids)
		out = append(out, fc)
	}
	return out
}
