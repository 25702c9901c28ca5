package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/models"
)

// NameLen is the fixed width of an encoded entry name.
const NameLen = 256

func EncodeStat(st *models.Stat) ([]byte, error) {
	buf := new(bytes.Buffer)

	// ino (uint64), mode, nlink, uid, gid (uint32), size, blksize, blocks,
	// atime, mtime, ctime (int64)
	fields := []any{
		st.Ino,
		st.Mode, st.Nlink, st.UID, st.GID,
		st.Size, st.Blksize, st.Blocks,
		st.Atime, st.Mtime, st.Ctime,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("failed to encode stat: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func EncodeDirent(dirent *models.Dirent) ([]byte, error) {
	buf := new(bytes.Buffer)

	// name (char[256], null-terminated, padded with zeros)
	nameBytes := make([]byte, NameLen)
	copy(nameBytes[:NameLen-1], dirent.Name)
	if _, err := buf.Write(nameBytes); err != nil {
		return nil, fmt.Errorf("failed to encode name: %w", err)
	}

	// ino (int64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, dirent.Ino); err != nil {
		return nil, fmt.Errorf("failed to encode ino: %w", err)
	}

	// type (int16, 2 bytes)
	if err := binary.Write(buf, binary.LittleEndian, int16(dirent.Type)); err != nil {
		return nil, fmt.Errorf("failed to encode type: %w", err)
	}

	// off (int64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, dirent.Off); err != nil {
		return nil, fmt.Errorf("failed to encode off: %w", err)
	}

	return buf.Bytes(), nil
}

// EncodeMounts writes a uint32 count followed by each entry as four
// uint16 length-prefixed strings: path, device, driver, options.
func EncodeMounts(mounts []models.MountInfo) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(mounts))); err != nil {
		return nil, fmt.Errorf("failed to encode mount count: %w", err)
	}

	for _, m := range mounts {
		for _, s := range []string{m.Path, m.Device, m.Driver, m.Options} {
			if len(s) > 0xffff {
				return nil, fmt.Errorf("mount field too long: %d bytes", len(s))
			}
			if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
				return nil, fmt.Errorf("failed to encode mount: %w", err)
			}
			buf.WriteString(s)
		}
	}

	return buf.Bytes(), nil
}

func WriteResponse(w http.ResponseWriter, code int64, data []byte) error {
	response := new(bytes.Buffer)

	// Return code (int64, 8 bytes)
	if err := binary.Write(response, binary.LittleEndian, code); err != nil {
		return fmt.Errorf("failed to write response code: %w", err)
	}

	// Payload, if any
	if data != nil {
		if _, err := response.Write(data); err != nil {
			return fmt.Errorf("failed to write response data: %w", err)
		}
	}

	body := response.Bytes()

	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(body)
	return err
}

func WriteInt64Response(w http.ResponseWriter, code int64, value int64) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, value); err != nil {
		return err
	}
	return WriteResponse(w, code, buf.Bytes())
}
