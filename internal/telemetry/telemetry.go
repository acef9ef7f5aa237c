// Package telemetry forwards dome status snapshots to influxdb.
package telemetry

import (
	"log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/ashdome/domed/internal/dome"
)

type Config struct {
	Server string
	Token  string
	Org    string
	Bucket string
}

type Logger struct {
	client   influxdb2.Client
	writeApi api.WriteApi
}

func New(cfg Config) *Logger {
	client := influxdb2.NewClient(cfg.Server, cfg.Token)
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("telemetry write error: %v", err)
		}
	}()
	return &Logger{client: client, writeApi: writeApi}
}

// Record writes one point per status snapshot, asynchronously.
func (l *Logger) Record(s dome.Status) {
	fields := map[string]interface{}{
		"azimuth":             s.Azimuth,
		"azimuth_status":      int(s.AzimuthState),
		"shutter":             int(s.ShutterState),
		"closed":              s.Closed,
		"engineering_mode":    s.EngineeringMode,
		"heartbeat_status":    int(s.Heartbeat),
		"heartbeat_remaining": s.HeartbeatRemaining,
	}
	if s.Battery != nil {
		fields["battery_fraction"] = s.Battery.Fraction
		fields["battery_voltage"] = s.Battery.Voltage
		fields["battery_temperature"] = s.Battery.Temperature
		fields["battery_current"] = s.Battery.Current
	}
	p := influxdb2.NewPoint("dome.status", nil, fields, s.Timestamp)
	l.writeApi.WritePoint(p)
}

func (l *Logger) Close() {
	l.writeApi.Close()
	l.client.Close()
}
