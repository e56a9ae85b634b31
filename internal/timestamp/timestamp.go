// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package timestamp converts between time.Time and the date encodings of
// ProDOS, HFS, MS-DOS, AppleSingle, NuFX and Unix.
//
// All stored dates are treated as UTC wall-clock values, and the zero
// time.Time stands for "no date". Encoders clamp to the representable range.
package timestamp

import (
	"math"
	"time"
)

var (
	hfsEpoch         = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
	appleSingleEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// FromHFS converts seconds since 1904. Zero means no date.
func FromHFS(t uint32) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return hfsEpoch.Add(time.Second * time.Duration(t))
}

func ToHFS(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	secs := t.Unix() - hfsEpoch.Unix()
	return uint32(min(max(secs, 1), math.MaxUint32))
}

// AppleSingleUnknown is the AppleSingle v2 value for "no date".
const AppleSingleUnknown = -0x80000000

// FromAppleSingle converts signed seconds since 2000.
func FromAppleSingle(t int32) time.Time {
	if t == AppleSingleUnknown {
		return time.Time{}
	}
	return appleSingleEpoch.Add(time.Second * time.Duration(t))
}

func ToAppleSingle(t time.Time) int32 {
	if t.IsZero() {
		return AppleSingleUnknown
	}
	secs := t.Unix() - appleSingleEpoch.Unix()
	return int32(min(max(secs, math.MinInt32+1), math.MaxInt32))
}

// FromProDOS converts a ProDOS date/time pair:
// date bits 0-4 day, 5-8 month, 9-15 year; time bits 0-5 minute, 8-12 hour.
// Years below 40 are taken to be in the 2000s.
func FromProDOS(date, tod uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date >> 9)
	month := int(date >> 5 & 0x0f)
	day := int(date & 0x1f)
	hour := int(tod >> 8 & 0x1f)
	minute := int(tod & 0x3f)
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 {
		return time.Time{}
	}
	if year < 40 {
		year += 2000
	} else {
		year += 1900
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

func ToProDOS(t time.Time) (date, tod uint16) {
	if t.IsZero() {
		return 0, 0
	}
	t = t.UTC()
	year := t.Year()
	switch {
	case year < 1940:
		year = 1940
	case year > 2039:
		year = 2039
	}
	date = uint16(year%100)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tod = uint16(t.Hour())<<8 | uint16(t.Minute())
	return date, tod
}

// FromMSDOS converts an MS-DOS date and time. The resolution is 2s.
func FromMSDOS(dosDate, dosTime uint16) time.Time {
	if dosDate == 0 && dosTime == 0 {
		return time.Time{}
	}
	return time.Date(
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0, // nanoseconds

		time.UTC,
	)
}

func ToMSDOS(t time.Time) (dosDate, dosTime uint16) {
	if t.IsZero() {
		return 0, 0
	}
	t = t.UTC()
	if t.Year() < 1980 {
		return 0x21, 0 // 1980-01-01
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}
	dosDate = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	dosTime = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return
}

// FromUnix converts gzip's MTIME. Zero means no date.
func FromUnix(t uint32) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t), 0).UTC()
}

func ToUnix(t time.Time) uint32 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint32(min(t.Unix(), math.MaxUint32))
}

// FromNuFX decodes the 8-byte NuFX Date/Time:
// second, minute, hour, year-1900, day (0-based), month (0-based), filler, weekday.
func FromNuFX(b []byte) time.Time {
	_ = b[7]
	sec, minute, hour := int(b[0]), int(b[1]), int(b[2])
	year, day, month := int(b[3]), int(b[4])+1, int(b[5])+1
	if b[0]|b[1]|b[2]|b[3]|b[4]|b[5] == 0 {
		return time.Time{}
	}
	if sec > 59 || minute > 59 || hour > 23 || day > 31 || month > 12 {
		return time.Time{}
	}
	if year < 40 {
		year += 100 // ShrinkIt stores 2000 as 100, some tools as 0
	}
	return time.Date(1900+year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
}

func PutNuFX(b []byte, t time.Time) {
	_ = b[7]
	clear(b[:8])
	if t.IsZero() {
		return
	}
	t = t.UTC()
	year := min(max(t.Year(), 1940), 2155) - 1900
	b[0] = byte(t.Second())
	b[1] = byte(t.Minute())
	b[2] = byte(t.Hour())
	b[3] = byte(year)
	b[4] = byte(t.Day() - 1)
	b[5] = byte(t.Month() - 1)
	b[7] = byte(t.Weekday() + 1)
}
