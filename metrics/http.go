package metrics

import (
	"net/http"

	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// NewReaderProvider creates a meter provider backed by a manual reader
// suitable for Handler.
func NewReaderProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// Point is one data point of a collected instrument.
type Point struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value,omitempty"`
	Count      uint64            `json:"count,omitempty"`
	Sum        float64           `json:"sum,omitempty"`
}

// Snapshot is the collected state of one instrument.
type Snapshot struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit,omitempty"`
	Points []Point `json:"points"`
}

func attributeMap(set attribute.Set) map[string]string {
	if set.Len() < 1 {
		return nil
	}
	m := make(map[string]string, set.Len())
	for iter := set.Iter(); iter.Next(); {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

// Snapshots converts collected metrics into Snapshots.
// Only the aggregations this package records are converted.
func Snapshots(rm *metricdata.ResourceMetrics) []Snapshot {
	snapshots := []Snapshot{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			s := Snapshot{Name: m.Name, Unit: m.Unit, Points: []Point{}}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					s.Points = append(s.Points, Point{Attributes: attributeMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					s.Points = append(s.Points, Point{Attributes: attributeMap(dp.Attributes), Count: dp.Count, Sum: dp.Sum})
				}
			default:
				continue
			}
			snapshots = append(snapshots, s)
		}
	}
	return snapshots
}

// Handler serves a JSON snapshot of the instruments collected by reader.
func Handler(reader sdkmetric.Reader, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(r.Context(), &rm); err != nil {
			logger.Info(logkeys.Message, "collecting metrics", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		if err := api.JSON(w, Snapshots(&rm), http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
