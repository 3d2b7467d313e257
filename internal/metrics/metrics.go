package metrics

import (
	"github.com/TheCacophonyProject/discharge-tester/discharge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "discharge"

var states = []discharge.State{
	discharge.Idle,
	discharge.Configuring,
	discharge.Discharging,
	discharge.Terminating,
	discharge.Finalized,
	discharge.Failed,
}

// Recorder keeps a registry of the latest sample and run state. When a textfile
// path is set the registry is written there after every update for the node
// exporter textfile collector to pick up.
type Recorder struct {
	Registry *prometheus.Registry

	measurement *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	samples     prometheus.Counter
	lastSample  prometheus.Gauge

	textfile string
	log      logrus.FieldLogger
}

func New(runID, textfile string, log logrus.FieldLogger) *Recorder {
	labels := prometheus.Labels{"run": runID}
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		measurement: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "measurement",
			Help:        "Latest value read from the load, by channel.",
			ConstLabels: labels,
		}, []string{"channel"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "1 for the state the test is in, 0 for the others.",
			ConstLabels: labels,
		}, []string{"state"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "samples_total",
			Help:        "Samples persisted this run.",
			ConstLabels: labels,
		}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_sample_timestamp_seconds",
			Help:        "Time of the latest sample.",
			ConstLabels: labels,
		}),
		textfile: textfile,
		log:      log,
	}
	r.Registry.MustRegister(r.measurement, r.state, r.samples, r.lastSample)
	r.setState(discharge.Idle)
	return r
}

func (r *Recorder) setState(current discharge.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		r.state.WithLabelValues(s.String()).Set(v)
	}
}

func (r *Recorder) StateChanged(s discharge.State) {
	r.setState(s)
	r.flush()
}

func (r *Recorder) SampleRecorded(s discharge.Sample) {
	r.measurement.WithLabelValues("voltage").Set(s.Voltage)
	r.measurement.WithLabelValues("current").Set(s.Current)
	r.measurement.WithLabelValues("power").Set(s.Power)
	r.measurement.WithLabelValues("resistance").Set(s.Resistance)
	r.measurement.WithLabelValues("capacity").Set(s.Capacity)
	r.measurement.WithLabelValues("energy").Set(s.Energy)
	r.samples.Inc()
	r.lastSample.Set(float64(s.Timestamp.Unix()) + float64(s.Timestamp.Nanosecond())/1e9)
	r.flush()
}

func (r *Recorder) flush() {
	if r.textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.Registry); err != nil {
		r.log.Warnf("Failed to write metrics to %s: %v", r.textfile, err)
	}
}
