package models

import "time"

type NodeType int16

const (
	NodeTypeDir    NodeType = 0
	NodeTypeFile   NodeType = 1
	NodeTypeDevice NodeType = 2
)

type NodeMeta struct {
	Ino   int64    `json:"ino"`
	Type  NodeType `json:"type"`
	Mode  uint32   `json:"mode"` // umode_t
	Size  int64    `json:"size"`
	Links uint16   `json:"links"`
}

type Dirent struct {
	Name string   `json:"name"`
	Ino  int64    `json:"ino"`
	Type NodeType `json:"type"`
	Size int64    `json:"size"`
}

// Device is a persisted block device backed by the sector store.
type Device struct {
	Name        string
	SectorSize  int
	SectorCount int64
	CreateAt    time.Time
}

// ExecImage is what exec reports back after staging an image.
type ExecImage struct {
	Entry  uint64 `json:"entry"`
	Phdr   uint64 `json:"phdr"`
	Phent  uint16 `json:"phent"`
	Phnum  uint16 `json:"phnum"`
	Interp string `json:"interp"`
}
