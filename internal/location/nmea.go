package location

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNMEAChecksum    = errors.New("nmea checksum mismatch")
	ErrNMEAMalformed   = errors.New("malformed nmea sentence")
	ErrNMEAUnsupported = errors.New("unsupported nmea sentence")
)

// RMC 推荐最小定位信息（$xxRMC）
type RMC struct {
	Time      time.Time
	Valid     bool
	Latitude  float64
	Longitude float64
}

// GGA 定位质量信息（$xxGGA）
type GGA struct {
	Quality    int
	Satellites int
	HDOP       float64
	Latitude   float64
	Longitude  float64
}

// ParseNMEA 解析一条 NMEA 语句，返回 RMC 或 GGA
func ParseNMEA(line string) (interface{}, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, ErrNMEAMalformed
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(body[star+1:], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad checksum field", ErrNMEAMalformed)
		}
		body = body[:star]
		if nmeaChecksum(body) != byte(want) {
			return nil, ErrNMEAChecksum
		}
	}

	fields := strings.Split(body, ",")
	if len(fields[0]) < 5 {
		return nil, ErrNMEAMalformed
	}
	// 前两位是 talker（GP/GN/GL/...），只看语句类型
	switch fields[0][2:] {
	case "RMC":
		return parseRMC(fields)
	case "GGA":
		return parseGGA(fields)
	default:
		return nil, ErrNMEAUnsupported
	}
}

func nmeaChecksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

func parseRMC(f []string) (*RMC, error) {
	if len(f) < 10 {
		return nil, fmt.Errorf("%w: RMC has %d fields", ErrNMEAMalformed, len(f))
	}
	rmc := &RMC{Valid: f[2] == "A"}
	if !rmc.Valid {
		return rmc, nil
	}

	ts, err := parseNMEATime(f[9], f[1])
	if err != nil {
		return nil, err
	}
	rmc.Time = ts

	if rmc.Latitude, err = parseCoordinate(f[3], f[4], 2); err != nil {
		return nil, err
	}
	if rmc.Longitude, err = parseCoordinate(f[5], f[6], 3); err != nil {
		return nil, err
	}
	return rmc, nil
}

func parseGGA(f []string) (*GGA, error) {
	if len(f) < 9 {
		return nil, fmt.Errorf("%w: GGA has %d fields", ErrNMEAMalformed, len(f))
	}
	gga := &GGA{}
	gga.Quality, _ = strconv.Atoi(f[6])
	gga.Satellites, _ = strconv.Atoi(f[7])
	if gga.Quality == 0 {
		return gga, nil
	}

	var err error
	if gga.HDOP, err = strconv.ParseFloat(f[8], 64); err != nil {
		return nil, fmt.Errorf("%w: hdop %q", ErrNMEAMalformed, f[8])
	}
	if gga.Latitude, err = parseCoordinate(f[2], f[3], 2); err != nil {
		return nil, err
	}
	if gga.Longitude, err = parseCoordinate(f[4], f[5], 3); err != nil {
		return nil, err
	}
	return gga, nil
}

// parseCoordinate 解析 ddmm.mmmm / dddmm.mmmm 格式
func parseCoordinate(value, hemi string, degDigits int) (float64, error) {
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrNMEAMalformed, value)
	}
	deg, err := strconv.Atoi(value[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrNMEAMalformed, value)
	}
	minutes, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrNMEAMalformed, value)
	}
	v := float64(deg) + minutes/60
	switch hemi {
	case "N", "E":
		return v, nil
	case "S", "W":
		return -v, nil
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrNMEAMalformed, hemi)
	}
}

// parseNMEATime 组合 ddmmyy 与 hhmmss(.ss)，结果为 UTC
func parseNMEATime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("%w: time %q %q", ErrNMEAMalformed, date, clock)
	}
	layout := "020106150405"
	value := date + clock[:6]
	ts, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNMEAMalformed, err)
	}
	if len(clock) > 7 && clock[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			ts = ts.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return ts, nil
}
