package model

import "time"

// TransferItem is one source/destination pair in a transfer task.
type TransferItem struct {
	SourcePath      string `json:"source_file"`
	DestinationPath string `json:"destination_file"`
}

// BatchTransfer is a transfer task carrying any number of items between
// one pair of endpoints.
type BatchTransfer struct {
	SourceEndpoint      string
	DestinationEndpoint string
	Label               string
	VerifyChecksum      bool
	Items               []TransferItem
}

// DeleteRequest removes paths on one endpoint. Directories need Recursive.
type DeleteRequest struct {
	Endpoint  string
	Label     string
	Recursive bool
	Paths     []string
}

// DirEntry is one line of an endpoint directory listing.
type DirEntry struct {
	Name         string
	Type         string
	Size         int64
	User         string
	Group        string
	Permissions  string
	LastModified time.Time
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool {
	return e.Type == "dir"
}
