// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package applesingle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

var idNames = map[uint32]string{
	1:  "DATA_FORK",
	2:  "RESOURCE_FORK",
	3:  "REAL_NAME",
	4:  "COMMENT",
	5:  "ICON_BW",
	6:  "ICON_COLOR",
	7:  "FILE_INFO_V1",
	8:  "FILE_DATES_INFO",
	9:  "FINDER_INFO",
	10: "MACINTOSH_FILE_INFO",
	11: "PRODOS_FILE_INFO",
	12: "MSDOS_FILE_INFO",
	13: "SHORT_NAME",
	14: "AFP_FILE_INFO",
	15: "DIRECTORY_ID",
}

// Dump describes the entry table of an AppleSingle or AppleDouble file, one line per entry.
func Dump(r io.ReaderAt) (string, error) {
	if ok, _ := Detect(r); !ok {
		return "", fmt.Errorf("%w: not AppleSingle or AppleDouble", archive.ErrFormat)
	}
	hdr := make([]byte, headerLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return "", err
	}
	count := int(binary.BigEndian.Uint16(hdr[24:]))
	table := make([]byte, descLen*count)
	if _, err := r.ReadAt(table, headerLen); err != nil {
		return "", fmt.Errorf("truncated entry table (%d entries): %w", count, err)
	}

	var bild strings.Builder
	for i := range count {
		d := table[descLen*i:]
		kind := binary.BigEndian.Uint32(d)
		offset := binary.BigEndian.Uint32(d[4:])
		size := binary.BigEndian.Uint32(d[8:])
		name := idNames[kind]
		if name == "" {
			name = fmt.Sprintf("UNKNOWN_%X", kind)
		}

		val := fmt.Sprintf("%#x:%#x", offset, offset+size)
		if size <= 64 {
			data := make([]byte, size)
			if _, err := r.ReadAt(data, int64(offset)); err == nil {
				switch kind {
				case FILE_DATES_INFO:
					val = formatDates(data)
				case FINDER_INFO:
					val = formatFinderInfo(data)
				case MACINTOSH_FILE_INFO:
					val = formatOtherInfo(data)
				case REAL_NAME, COMMENT:
					val = fmt.Sprintf("%q", nameText(binary.BigEndian.Uint32(hdr[4:]), hdr[8:24], data))
				}
			}
		}
		if bild.Len() > 0 {
			bild.WriteByte('\n')
		}
		fmt.Fprintf(&bild, "%s=%s", name, val)
	}
	return bild.String(), nil
}

func asdate(data []byte) string {
	t := timestamp.FromAppleSingle(int32(binary.BigEndian.Uint32(data)))
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatDates(data []byte) string {
	if len(data) < 16 {
		return "malformed " + hex.EncodeToString(data)
	}
	return fmt.Sprintf("(C=%s,M=%s,B=%s,A=%s)",
		asdate(data[:]),
		asdate(data[4:]),
		asdate(data[8:]),
		asdate(data[12:]))
}

var finderFlags = []struct {
	bit  uint16
	name string
}{
	{0x0001, "isOnDesk"},
	{0x0020, "requireSwitchLaunch"},
	{0x0040, "isShared"},
	{0x0080, "hasNoINITs"},
	{0x0100, "hasBeenInited"},
	{0x0400, "hasCustomIcon"},
	{0x0800, "isStationery"},
	{0x1000, "nameLocked"},
	{0x2000, "hasBundle"},
	{0x4000, "isInvisible"},
	{0x8000, "isAlias"},
}

func formatFinderInfo(data []byte) string {
	if len(data) < 16 {
		return "malformed " + hex.EncodeToString(data)
	}
	var bild strings.Builder
	fmt.Fprintf(&bild, "(%q,%q) (", data[:4], data[4:8])
	ff := binary.BigEndian.Uint16(data[8:])
	if ff&0xe != 0 {
		fmt.Fprintf(&bild, "color%d,", ff>>1&7)
	}
	for _, f := range finderFlags {
		if ff&f.bit != 0 {
			bild.WriteString(f.name + ",")
		}
	}
	fmt.Fprintf(&bild, ") (%d,%d)", // location in the window
		int16(binary.BigEndian.Uint16(data[10:12])),
		int16(binary.BigEndian.Uint16(data[12:14])))
	if len(data) >= 32 && string(data[16:32]) != string(make([]byte, 16)) {
		fmt.Fprintf(&bild, " (ext=%s)", hex.EncodeToString(data[16:32]))
	}
	return strings.ReplaceAll(bild.String(), ",)", ")")
}

func formatOtherInfo(data []byte) string {
	if len(data) != 4 || data[0]&0x3f != 0 || (data[1]|data[2]|data[3]) != 0 {
		return "malformed " + hex.EncodeToString(data)
	}
	var v []string
	if data[0]&0x80 != 0 {
		v = append(v, "locked")
	}
	if data[0]&0x40 != 0 {
		v = append(v, "protected")
	}
	return "(" + strings.Join(v, ",") + ")"
}
