package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IIO reads a Linux Industrial I/O device through sysfs. The in-tree
// dht11 driver and most I2C humidity sensors expose their channels this
// way, scaled to milli-units.
type IIO struct {
	// Dir is the device directory, e.g. /sys/bus/iio/devices/iio:device0.
	Dir string
}

// Temperature implements [Driver].
func (d IIO) Temperature(ctx context.Context) (float64, error) {
	return d.channel(ctx, "in_temp_input")
}

// Humidity implements [Driver].
func (d IIO) Humidity(ctx context.Context) (float64, error) {
	return d.channel(ctx, "in_humidityrelative_input")
}

func (d IIO) channel(ctx context.Context, name string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := filepath.Join(d.Dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		// The dht11 driver reports a failed bus transaction as EIO on read.
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return milli / 1000, nil
}
