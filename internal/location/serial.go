package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"accident-alert/internal/models"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// hdopToMeters 水平精度因子换算为米的系数
	hdopToMeters = 5.0
	// defaultAccuracyMeters 尚未收到 GGA 时使用的精度
	defaultAccuracyMeters = 25.0
)

// FixSink 定位结果接收方（通常是 Tracker）
type FixSink interface {
	OnFix(fix models.LocationFix) bool
}

// SerialGPS 从 NMEA 数据流读取主定位来源
type SerialGPS struct {
	r      io.ReadCloser
	sink   FixSink
	logger *zap.Logger
	hdop   float64
}

// NewSerialGPS 基于任意 NMEA 数据流创建接收器
func NewSerialGPS(r io.ReadCloser, sink FixSink, logger *zap.Logger) *SerialGPS {
	return &SerialGPS{r: r, sink: sink, logger: logger}
}

// OpenSerialGPS 打开串口 GPS
func OpenSerialGPS(path string, baudRate int, sink FixSink, logger *zap.Logger) (*SerialGPS, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open gps serial port %s: %w", path, err)
	}
	return NewSerialGPS(port, sink, logger), nil
}

// Run 逐行读取直到数据流结束或 ctx 取消
func (g *SerialGPS) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			g.r.Close()
		case <-stop:
		}
	}()
	defer g.r.Close()

	scan := bufio.NewScanner(g.r)
	for scan.Scan() {
		g.handleLine(scan.Text())
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("failed to read gps stream: %w", err)
	}
	return nil
}

func (g *SerialGPS) handleLine(line string) {
	sentence, err := ParseNMEA(line)
	if err != nil {
		if !errors.Is(err, ErrNMEAUnsupported) {
			g.logger.Debug("Skipping NMEA sentence", zap.String("line", line), zap.Error(err))
		}
		return
	}

	switch s := sentence.(type) {
	case *GGA:
		if s.Quality > 0 {
			g.hdop = s.HDOP
		}
	case *RMC:
		if !s.Valid {
			return
		}
		accuracy := defaultAccuracyMeters
		if g.hdop > 0 {
			accuracy = g.hdop * hdopToMeters
		}
		g.sink.OnFix(models.LocationFix{
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			AccuracyMeters: accuracy,
			Source:         models.LocationSourcePrimary,
			Timestamp:      s.Time,
		})
	}
}
