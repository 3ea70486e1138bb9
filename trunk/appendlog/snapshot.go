package appendlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/acorndb/acorn/trunk"
)

const (
	snapshotFile = "snapshot.idx"
	seqFile      = "snapshot.seq"
	logFile      = "log.aol"
	lockFile     = "smush.lock"

	filePerm = 0o600
	dirPerm  = 0o755
)

// snapshot.idx layout:
//
//	[magic: "ACRN"][version: u16 LE][entry_count: u64 LE]
//	[(id_len: u32 LE, id, data_len: u32 LE, data)...]
//	[crc32 castagnoli: u32 LE, covers every byte before it]
//
// Each entry carries the full pipeline-encoded record rather than a
// log offset: snapshot.idx is a standalone materialization of the
// index, so a restart can rebuild the index from the snapshot alone
// and only needs to replay log.aol from the generation it records
// forward, without re-reading anything the snapshot already captured.
var snapshotMagic = [4]byte{'A', 'C', 'R', 'N'}

const snapshotVersion uint16 = 1

var errBadSnapshotMagic = errors.New("appendlog: bad snapshot magic")
var errBadSnapshotChecksum = errors.New("appendlog: snapshot checksum mismatch")

// writeSnapshot durably rewrites snapshot.idx with every record in ix,
// via a temp-write-then-rename sequence, and bumps the generation
// counter in snapshot.seq.
func writeSnapshot(dir string, ix *index, generation uint64) error {
	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"

	body := make([]byte, 0, 4096)
	body = append(body, snapshotMagic[:]...)
	var u16buf [2]byte
	binary.LittleEndian.PutUint16(u16buf[:], snapshotVersion)
	body = append(body, u16buf[:]...)

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(ix.len()))
	body = append(body, countBuf[:]...)

	ix.forEach(func(nut trunk.EncodedNut) bool {
		var idLen [4]byte
		binary.LittleEndian.PutUint32(idLen[:], uint32(len(nut.ID)))
		body = append(body, idLen[:]...)
		body = append(body, nut.ID...)

		var dataLen [4]byte
		binary.LittleEndian.PutUint32(dataLen[:], uint32(len(nut.Data)))
		body = append(body, dataLen[:]...)
		body = append(body, nut.Data...)
		return true
	})

	sum := crc32.Checksum(body, castagnoli)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	body = append(body, sumBuf[:]...)

	if err := os.WriteFile(tmp, body, filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return writeGeneration(dir, generation)
}

// writeGeneration stores the snapshot generation counter in snapshot.seq
// as ASCII decimal text, so the file is inspectable with any text tool.
func writeGeneration(dir string, generation uint64) error {
	path := filepath.Join(dir, seqFile)
	tmp := path + ".tmp"

	text := strconv.FormatUint(generation, 10)
	if err := os.WriteFile(tmp, []byte(text), filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readGeneration(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, seqFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	generation, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, nil
	}
	return generation, nil
}

// loadSnapshot populates ix from snapshot.idx, tolerating its absence
// (a fresh trunk with no prior compaction).
func loadSnapshot(dir string, ix *index) error {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) < 4+2+8+4 {
		return nil // too short to be a valid snapshot; treat as absent
	}
	if string(data[0:4]) != string(snapshotMagic[:]) {
		return errBadSnapshotMagic
	}

	body, wantSum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, castagnoli) != wantSum {
		return errBadSnapshotChecksum
	}

	entryCount := binary.LittleEndian.Uint64(data[6:14])
	offset := 14
	for i := uint64(0); i < entryCount; i++ {
		if offset+4 > len(body) {
			break
		}
		idLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+idLen+4 > len(body) {
			break
		}
		id := string(data[offset : offset+idLen])
		offset += idLen

		dataLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+dataLen > len(body) {
			break
		}
		recordData := append([]byte(nil), data[offset:offset+dataLen]...)
		offset += dataLen

		ix.put(trunk.EncodedNut{ID: id, Data: recordData})
	}
	return nil
}
