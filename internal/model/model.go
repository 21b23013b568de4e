package model

import "time"

// This package models a captured file in the sqlite database and the alerts
// raised about it.

type UploadStatus string

const (
	StatusPending UploadStatus = "pending"
	StatusSuccess UploadStatus = "success"
	StatusBackup  UploadStatus = "backup"
)

type FileRecord struct {
	Filename    string
	Checksum    string
	CRC32C      uint32
	Size        int64
	ProcessedAt time.Time
	Status      UploadStatus // pending -> success | backup -> success
	Retries     int
	RemoteKey   string
	LastError   string
}

// Settled reports whether a rediscovered copy of the file can be ignored:
// it was delivered, or its payload already waits in the backup dir.
func (f FileRecord) Settled() bool {
	return f.Status == StatusSuccess || f.Status == StatusBackup
}
