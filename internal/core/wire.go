package core

import (
	"bytes"
	"encoding/gob"
)

// FileFrame is one frame of an UploadFile/DownloadFile stream (spec §6).
// User/Name/SeqNo/ReplicaNode are carried on every sub-frame of a shard per
// spec §4.6's sub-framing contract, even though only the first sub-frame's
// copy is semantically load-bearing.
type FileFrame struct {
	User        string
	Name        string
	Data        []byte
	SeqNo       int
	ReplicaNode string
}

// FileInfo addresses a file (and optionally one shard of it) for
// FileSearch/FileDelete/DownloadFile requests.
type FileInfo struct {
	User string
	Name string
	Seq  int
}

// UserInfo addresses a user's file list for FileList.
type UserInfo struct {
	User string
}

// Ack is the unary response shape for FileSearch/FileDelete/MetaDataInfo/
// GetLeaderInfo/client-stream completions.
type Ack struct {
	Success bool
	Message string
}

// FileListResponse answers FileList.
type FileListResponse struct {
	Filenames []string
}

// MetaDataRef is the MetaDataInfo broadcast payload: a filename plus the
// gob-encoded FileMetadata a peer should adopt for it.
type MetaDataRef struct {
	Filename  string
	SeqValues []byte
}

// NodeStats is the heartbeat stat triple every node reports over IsAlive,
// and a cluster leader's own averaged view of its cluster reports over
// GetClusterStats (spec §6).
type NodeStats struct {
	CPU  float64
	Disk float64
	Mem  float64
}

// Score averages the triple into the single utilization figure the Load
// Picker and the SuperNode's cluster ranking both sort on.
func (s NodeStats) Score() float64 { return (s.CPU + s.Disk + s.Mem) / 3 }

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// EncodeFileFrame/DecodeFileFrame serialize one stream frame's payload.
func EncodeFileFrame(f FileFrame) ([]byte, error) { return encodeGob(f) }
func DecodeFileFrame(b []byte) (FileFrame, error) {
	var f FileFrame
	err := decodeGob(b, &f)
	return f, err
}

// EncodeFileInfo/DecodeFileInfo serialize a FileInfo request.
func EncodeFileInfo(f FileInfo) ([]byte, error) { return encodeGob(f) }
func DecodeFileInfo(b []byte) (FileInfo, error) {
	var f FileInfo
	err := decodeGob(b, &f)
	return f, err
}

// EncodeUserInfo/DecodeUserInfo serialize a UserInfo request.
func EncodeUserInfo(u UserInfo) ([]byte, error) { return encodeGob(u) }
func DecodeUserInfo(b []byte) (UserInfo, error) {
	var u UserInfo
	err := decodeGob(b, &u)
	return u, err
}

// EncodeAck/DecodeAck serialize an Ack response.
func EncodeAck(a Ack) ([]byte, error) { return encodeGob(a) }
func DecodeAck(b []byte) (Ack, error) {
	var a Ack
	err := decodeGob(b, &a)
	return a, err
}

// EncodeFileListResponse/DecodeFileListResponse serialize a FileList reply.
func EncodeFileListResponse(r FileListResponse) ([]byte, error) { return encodeGob(r) }
func DecodeFileListResponse(b []byte) (FileListResponse, error) {
	var r FileListResponse
	err := decodeGob(b, &r)
	return r, err
}

// EncodeMetaDataRef/DecodeMetaDataRef serialize a MetaDataInfo broadcast.
func EncodeMetaDataRef(m MetaDataRef) ([]byte, error) { return encodeGob(m) }
func DecodeMetaDataRef(b []byte) (MetaDataRef, error) {
	var m MetaDataRef
	err := decodeGob(b, &m)
	return m, err
}

// EncodeNodeStats/DecodeNodeStats serialize an IsAlive/GetClusterStats
// reply.
func EncodeNodeStats(s NodeStats) ([]byte, error) { return encodeGob(s) }
func DecodeNodeStats(b []byte) (NodeStats, error) {
	var s NodeStats
	err := decodeGob(b, &s)
	return s, err
}
